// Package gateway is the websocket edge of the engine: it upgrades client
// connections, decodes inbound turn and action messages, and pumps outbound
// events back in order through the Hub.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	sessionx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/session"
)

const (
	maxPayloadBytes = 1 << 20
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
	writeWait       = 10 * time.Second
)

// Config holds the gateway's listen settings.
type Config struct {
	Addr            string        `envconfig:"ADDR" split_words:"true" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
}

// TurnHandler processes one conversational user turn. Implemented by the
// stream service.
type TurnHandler interface {
	HandleUserMessage(ctx context.Context, sess *sessionx.Session, userInput, messageID string) error
}

// ActionController is the launcher surface the gateway drives on behalf of
// the client.
type ActionController interface {
	ExecuteAction(ctx context.Context, sess *sessionx.Session, actionID string) (contractx.ActiveAction, error)
	UpdateParameterValue(sess *sessionx.Session, actionID, name string, value any) (contractx.ActiveAction, error)
	ProcessActionPlan(ctx context.Context, sess *sessionx.Session, plan contractx.ActionPlan, userInput, messageID string) error
}

// rerunPlanSchema gates client-supplied plans before they reach the
// launcher. Step ids are mandatory so results correlate with the original
// run when a plan is re-executed.
var rerunPlanSchema = jsonschema.MustCompileString("rerun_plan.json", `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"id": {"type": "string"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "tool"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"intent": {"type": "string"},
					"tool": {"type": "string", "minLength": 1},
					"arguments": {"type": "object"}
				}
			}
		}
	}
}`)

// decodeRerunPlan validates and decodes the plan carried by a rerun_plan
// message, keeping the supplied step ids.
func decodeRerunPlan(raw json.RawMessage) (contractx.ActionPlan, error) {
	if len(raw) == 0 {
		return contractx.ActionPlan{}, errors.New("rerun_plan requires a plan")
	}
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return contractx.ActionPlan{}, fmt.Errorf("plan is not JSON: %w", err)
	}
	if err := rerunPlanSchema.Validate(loose); err != nil {
		return contractx.ActionPlan{}, fmt.Errorf("invalid plan: %w", err)
	}
	var plan contractx.ActionPlan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return contractx.ActionPlan{}, fmt.Errorf("invalid plan: %w", err)
	}
	return plan, nil
}

// inboundMessage is the single frame shape clients send after init.
type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Content   string `json:"content,omitempty"`
	ActionID  string `json:"action_id,omitempty"`
	Parameter string `json:"parameter,omitempty"`
	Value     any    `json:"value,omitempty"`

	// Plan carries the plan to re-execute on a rerun_plan message.
	Plan json.RawMessage `json:"plan,omitempty"`

	// Arguments is accepted for wire compatibility but never used;
	// execution always runs with the server-stored arguments.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Server serves the websocket endpoint and a health check.
type Server struct {
	cfg      Config
	sessions *sessionx.Manager
	hub      *Hub
	turns    TurnHandler
	actions  ActionController
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, sessions *sessionx.Manager, hub *Hub, turns TurnHandler, actions ActionController) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	if hub == nil {
		return nil, errors.New("gateway: hub is required")
	}
	if turns == nil {
		return nil, errors.New("gateway: turn handler is required")
	}
	if actions == nil {
		return nil, errors.New("gateway: action controller is required")
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		turns:    turns,
		actions:  actions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the gateway's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// client is one live websocket connection with its ordered write pump.
type client struct {
	conn *websocket.Conn
	send chan contractx.Event
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		send: make(chan contractx.Event, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue reports false when the client's buffer is full.
func (c *client) enqueue(ev contractx.Event) bool {
	select {
	case <-c.done:
		return true
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump serializes all writes for one connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(conn)
	go c.writePump()

	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sess, err := s.handshake(conn)
	if err != nil {
		log.Warn().Err(err).Msg("websocket handshake failed")
		c.shutdown()
		return
	}
	s.hub.register(sess.ID, c)
	log.Info().Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("session connected")

	defer func() {
		s.hub.unregister(sess.ID, c)
		s.sessions.Remove(sess.ID)
		c.shutdown()
		log.Info().Str("session_id", sess.ID).Msg("session disconnected")
	}()

	ctx := r.Context()
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		s.dispatch(ctx, sess, msg)
	}
}

// handshake reads the mandatory first frame: an init message naming the
// session and user.
func (s *Server) handshake(conn *websocket.Conn) (*sessionx.Session, error) {
	var msg inboundMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return nil, err
	}
	if msg.Type != "init" {
		return nil, fmt.Errorf("first message must be init, got %q", msg.Type)
	}
	sessionID := strings.TrimSpace(msg.SessionID)
	userID := strings.TrimSpace(msg.UserID)
	if sessionID == "" || userID == "" {
		return nil, errors.New("init requires session_id and user_id")
	}
	return s.sessions.GetOrCreate(sessionID, userID), nil
}

func (s *Server) dispatch(ctx context.Context, sess *sessionx.Session, msg inboundMessage) {
	switch msg.Type {
	case "content":
		if strings.TrimSpace(msg.Content) == "" {
			s.sendError(sess, msg.MessageID, "content message is empty")
			return
		}
		// A turn runs off the read loop so parameter updates stay
		// responsive, but turns for one session are serialized: the
		// previous turn's orchestration finishes before the next plan
		// may replace the session's actions and run.
		go func() {
			sess.BeginTurn()
			defer sess.EndTurn()
			if err := s.turns.HandleUserMessage(ctx, sess, msg.Content, msg.MessageID); err != nil {
				log.Error().Err(err).Str("session_id", sess.ID).Msg("turn failed")
			}
		}()
	case "rerun_plan":
		plan, err := decodeRerunPlan(msg.Plan)
		if err != nil {
			s.sendError(sess, msg.MessageID, err.Error())
			return
		}
		go func() {
			sess.BeginTurn()
			defer sess.EndTurn()
			if err := s.actions.ProcessActionPlan(ctx, sess, plan, msg.Content, msg.MessageID); err != nil {
				s.sendError(sess, msg.MessageID, err.Error())
			}
		}()
	case "execute_action":
		// msg.Arguments is deliberately not read: stored arguments win.
		// Confirmation-driven dispatch is part of the turn's orchestration
		// and holds the same turn lock.
		go func() {
			sess.BeginTurn()
			defer sess.EndTurn()
			if _, err := s.actions.ExecuteAction(ctx, sess, msg.ActionID); err != nil {
				s.sendError(sess, msg.MessageID, err.Error())
			}
		}()
	case "update_parameter":
		if _, err := s.actions.UpdateParameterValue(sess, msg.ActionID, msg.Parameter, msg.Value); err != nil {
			s.sendError(sess, msg.MessageID, err.Error())
		}
	case "ping":
		// Keepalive only.
	default:
		s.sendError(sess, msg.MessageID, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) sendError(sess *sessionx.Session, messageID, text string) {
	s.hub.Send(sess.ID, contractx.Event{
		Type:      contractx.EventError,
		SessionID: sess.ID,
		MessageID: messageID,
		Payload:   contractx.ErrorPayload{Message: text},
	})
}
