// Package autoload initializes the global logger from environment
// configuration as a side effect of being imported.
package autoload

import (
	configx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/config"
	logx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/pkg/logger"
)

func init() {
	conf := configx.MustNew[logx.Config]("LOG")
	logx.Init(*conf)
}
