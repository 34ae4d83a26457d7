// Package session confines all per-session mutable state: the live action
// map the launcher operates on, the session's single active Run, and the
// conversation history fed back to the narration model. Nothing here is
// shared across sessions.
package session

import (
	"sort"
	"sync"
	"time"

	contractx "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/contract"
	depresolvex "github.com/LutendoLukhele/supreme-octo-chainsaw-sub001/agent/depresolve"
)

// maxHistoryMessages bounds the conversation window sent to the model.
const maxHistoryMessages = 40

// Session is the explicit session-scoped store object passed by reference
// into each component. A session processes one user turn to completion
// before accepting the next; the mutex serializes map mutation.
type Session struct {
	ID     string
	UserID string

	// turnMu serializes user turns: a turn's orchestration runs to
	// completion before the next turn (or confirmation) may replace the
	// plan. Parameter updates stay outside the turn lock so collection
	// remains responsive mid-turn.
	turnMu sync.Mutex

	mu        sync.Mutex
	actions   map[string]*contractx.ActiveAction
	bindings  map[string]depresolvex.Bindings
	confirmed map[string]bool
	order     []string
	run       *contractx.Run
	planLen   int
	history   []contractx.ChatMessage
}

func New(id, userID string) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		actions:   make(map[string]*contractx.ActiveAction),
		bindings:  make(map[string]depresolvex.Bindings),
		confirmed: make(map[string]bool),
	}
}

// BeginTurn blocks until the previous turn's orchestration has finished.
func (s *Session) BeginTurn() {
	s.turnMu.Lock()
}

// EndTurn releases the turn taken by BeginTurn.
func (s *Session) EndTurn() {
	s.turnMu.Unlock()
}

// ResetActions clears the action state for a fresh plan. Terminal actions
// from previous plans do not leak into the new one.
func (s *Session) ResetActions(planLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = make(map[string]*contractx.ActiveAction, planLen)
	s.bindings = make(map[string]depresolvex.Bindings, planLen)
	s.confirmed = make(map[string]bool, planLen)
	s.order = s.order[:0]
	s.planLen = planLen
}

// PlanLen is the size of the currently accepted plan; confirmation
// suppression depends on it.
func (s *Session) PlanLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.planLen
}

// PutAction stores an action and its parsed dependency bindings.
func (s *Session) PutAction(a *contractx.ActiveAction, b depresolvex.Bindings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[a.ID]; !exists {
		s.order = append(s.order, a.ID)
	}
	s.actions[a.ID] = a
	s.bindings[a.ID] = b
}

// Action returns a copy of the action so callers cannot mutate stored state
// without going through the launcher.
func (s *Session) Action(id string) (contractx.ActiveAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return contractx.ActiveAction{}, false
	}
	return cloneAction(a), true
}

// Bindings returns the parsed dependency references of one action.
func (s *Session) Bindings(id string) depresolvex.Bindings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindings[id]
}

// Actions returns copies of all live actions in plan order.
func (s *Session) Actions() []contractx.ActiveAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.ActiveAction, 0, len(s.order))
	for _, id := range s.order {
		if a, ok := s.actions[id]; ok {
			out = append(out, cloneAction(a))
		}
	}
	return out
}

// Mutate applies fn to the stored action under the session lock and returns
// the updated copy. The bool reports whether the action exists.
func (s *Session) Mutate(id string, fn func(*contractx.ActiveAction)) (contractx.ActiveAction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return contractx.ActiveAction{}, false
	}
	fn(a)
	a.UpdatedAt = time.Now().UTC()
	return cloneAction(a), true
}

// Confirm records that the user approved execution of the action. The flag
// survives until the next plan so a confirmed step blocked on a dependency
// can dispatch as soon as the dependency completes.
func (s *Session) Confirm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed[id] = true
}

// Confirmed reports whether the user approved execution of the action.
func (s *Session) Confirmed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed[id]
}

// SetRun replaces the session's active Run.
func (s *Session) SetRun(r contractx.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = &r
}

// Run returns a copy of the active Run, if any.
func (s *Session) Run() (contractx.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return contractx.Run{}, false
	}
	return *s.run, true
}

// UpdateRun applies fn to the active Run under the lock and returns the new
// value. fn receives the current Run and returns the replacement.
func (s *Session) UpdateRun(fn func(contractx.Run) contractx.Run) (contractx.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return contractx.Run{}, false
	}
	updated := fn(*s.run)
	s.run = &updated
	return updated, true
}

// AppendHistory records one conversation turn, trimming the oldest entries
// beyond the window.
func (s *Session) AppendHistory(msg contractx.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msg)
	if len(s.history) > maxHistoryMessages {
		s.history = s.history[len(s.history)-maxHistoryMessages:]
	}
}

// History returns a copy of the conversation window.
func (s *Session) History() []contractx.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contractx.ChatMessage, len(s.history))
	copy(out, s.history)
	return out
}

// cloneAction copies the slices and the argument map: snapshots are
// marshaled on other goroutines while UpdateParameterValue keeps mutating
// the stored map under the session lock.
func cloneAction(a *contractx.ActiveAction) contractx.ActiveAction {
	out := *a
	out.Arguments = cloneArgs(a.Arguments)
	out.Parameters = append([]contractx.Parameter(nil), a.Parameters...)
	out.MissingParameters = append([]string(nil), a.MissingParameters...)
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

// Manager tracks live sessions: created on first connection, torn down on
// disconnect.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func (m *Manager) GetOrCreate(id, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s := New(id, userID)
	m.sessions[id] = s
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove discards the session and everything it owns, including any
// in-flight Run reference.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// IDs lists live session ids, sorted, for diagnostics.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
