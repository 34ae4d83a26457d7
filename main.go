package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	actionx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/action"
	dispatchx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/dispatch"
	gatewayx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/gateway"
	registryx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/registry"
	sessionx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/session"
	streamx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/stream"
	configx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/config"
	_ "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/logger/autoload"
	nangox "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/nango"
	openrouterx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/openrouter"
)

type AppConfig struct {
	ToolConfigPath string `envconfig:"TOOL_CONFIG_PATH" split_words:"true" default:"config/tools.yaml"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCfg := configx.MustNew[AppConfig]("")

	registry, err := registryx.Load(appCfg.ToolConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", appCfg.ToolConfigPath).Msg("loading tool config failed")
	}
	go func() {
		if err := registry.Watch(ctx); err != nil {
			log.Error().Err(err).Msg("tool config watcher stopped")
		}
	}()

	openRouterCfg := configx.MustNew[openrouterx.Config]("OPENROUTER")
	openRouterClient := openrouterx.NewClient(*openRouterCfg)
	if openRouterClient == nil {
		log.Fatal().Msg("openrouter api key missing")
	}

	storeCfg := configx.MustNew[sessionx.RedisRESTConfig]("REDIS")
	store, err := sessionx.NewRedisRESTStore(*storeCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing session store failed")
	}

	nangoCfg := configx.MustNew[nangox.Config]("NANGO")
	connector := nangox.MustNew(*nangoCfg)

	dispatcher, err := dispatchx.New(registry, store, connector)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing dispatcher failed")
	}

	hub := gatewayx.NewHub()
	sessions := sessionx.NewManager()

	launcher, err := actionx.NewLauncher(registry, dispatcher, hub, actionx.WithArchiver(store))
	if err != nil {
		log.Fatal().Err(err).Msg("initializing launcher failed")
	}
	service, err := streamx.NewService(openRouterClient, *openRouterCfg, registry, launcher, hub, streamx.WithArchiver(store))
	if err != nil {
		log.Fatal().Err(err).Msg("initializing stream service failed")
	}
	launcher.SetRunCompleteHook(service.SummarizeRun)

	gatewayCfg := configx.MustNew[gatewayx.Config]("GATEWAY")
	server, err := gatewayx.NewServer(*gatewayCfg, sessions, hub, service, launcher)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing gateway failed")
	}
	if err := server.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("gateway exited")
	}
}
