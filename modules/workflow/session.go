package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"quel-tryon-client/modules/common/model"
)

var (
	ErrFieldNotInGroup = errors.New("field is not a member of the group")
	ErrFieldNotInKind  = errors.New("field does not belong to the active workflow")
)

// ValidationError - local validation failure, blocks submission without a network call
type ValidationError struct {
	Kind    model.JobKind
	Missing []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: missing %s", e.Kind, strings.Join(e.Missing, ", "))
}

// Session - in-progress draft of one workflow kind
type Session struct {
	Kind       model.JobKind
	Step       int
	TotalSteps int
	Payload    Payload
	UpdatedAt  time.Time
}

func newSession(kind model.JobKind) *Session {
	return &Session{
		Kind:       kind,
		Step:       1,
		TotalSteps: kind.TotalSteps(),
		Payload:    NewPayload(kind),
		UpdatedAt:  time.Now(),
	}
}

func (s *Session) copy() Session {
	c := *s
	c.Payload = s.Payload.clone()
	return c
}

// Progress - step/totalSteps as a rounded percentage
func (s Session) Progress() int {
	if s.TotalSteps <= 0 {
		return 0
	}
	return int(math.Round(float64(s.Step) / float64(s.TotalSteps) * 100))
}

type sessionJSON struct {
	Kind       model.JobKind   `json:"kind"`
	Step       int             `json:"step"`
	TotalSteps int             `json:"total_steps"`
	Payload    json.RawMessage `json:"payload"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// MarshalJSON - payload is written as the variant of the session kind
func (s Session) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(s.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sessionJSON{
		Kind:       s.Kind,
		Step:       s.Step,
		TotalSteps: s.TotalSteps,
		Payload:    raw,
		UpdatedAt:  s.UpdatedAt,
	})
}

// UnmarshalJSON - kind selects the payload variant; step is clamped to the kind's range
func (s *Session) UnmarshalJSON(data []byte) error {
	var in sessionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	kind, err := model.ParseKind(string(in.Kind))
	if err != nil {
		return err
	}
	payload := NewPayload(kind)
	if len(in.Payload) > 0 && string(in.Payload) != "null" {
		if err := json.Unmarshal(in.Payload, payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", kind, err)
		}
	}
	s.Kind = kind
	s.TotalSteps = kind.TotalSteps()
	s.Step = min(max(in.Step, 1), s.TotalSteps)
	s.Payload = payload
	s.UpdatedAt = in.UpdatedAt
	return nil
}

// Manager - owns one session per kind and tracks which one is active.
// Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	active   model.JobKind
	sessions map[model.JobKind]*Session
}

// NewManager - every kind starts empty, classic active
func NewManager() *Manager {
	m := &Manager{
		active:   model.KindClassic,
		sessions: make(map[model.JobKind]*Session, len(model.AllKinds)),
	}
	for _, k := range model.AllKinds {
		m.sessions[k] = newSession(k)
	}
	return m
}

// ActiveKind - kind currently being edited
func (m *Manager) ActiveKind() model.JobKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Active - copy of the active session
func (m *Manager) Active() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[m.active].copy()
}

// Session - copy of the session for kind
func (m *Manager) Session(kind model.JobKind) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[kind]
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", model.ErrUnknownKind, kind)
	}
	return s.copy(), nil
}

// SetActiveKind switches the active session and restarts it at step 1.
// Payloads are kept per kind: switching away and back does not clear what was
// entered, only Reset does.
func (m *Manager) SetActiveKind(kind model.JobKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[kind]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownKind, kind)
	}
	m.active = kind
	s.Step = 1
	s.TotalSteps = kind.TotalSteps()
	s.UpdatedAt = time.Now()
	return nil
}

// SetField writes member on the active payload. A non-null value clears every
// other member of the same exclusive group.
func (m *Manager) SetField(group Group, member Field, value *string) error {
	if GroupOf(member) != group {
		return fmt.Errorf("%w: %s/%s", ErrFieldNotInGroup, group, member)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessions[m.active]
	if !s.Payload.set(member, copyStr(value)) {
		return fmt.Errorf("%w: %s on %s", ErrFieldNotInKind, member, s.Kind)
	}
	if value != nil {
		for _, other := range group.Members() {
			if other != member {
				s.Payload.set(other, nil)
			}
		}
	}
	s.UpdatedAt = time.Now()
	return nil
}

// NextStep - advance the active session, no-op on the last step
func (m *Manager) NextStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[m.active]
	if s.Step < s.TotalSteps {
		s.Step++
		s.UpdatedAt = time.Now()
	}
	return s.Step
}

// PreviousStep - step back, no-op on step 1
func (m *Manager) PreviousStep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[m.active]
	if s.Step > 1 {
		s.Step--
		s.UpdatedAt = time.Now()
	}
	return s.Step
}

// Progress - active session progress percentage
func (m *Manager) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[m.active].Progress()
}

// IsValid - required-field conjunction of the kind is satisfied
func (m *Manager) IsValid(kind model.JobKind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[kind]
	return ok && IsValid(s.Payload)
}

// Validate returns a *ValidationError naming what is missing, nil when the kind can be submitted.
func (m *Manager) Validate(kind model.JobKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[kind]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownKind, kind)
	}
	if missing := s.Payload.Missing(); len(missing) > 0 {
		return &ValidationError{Kind: kind, Missing: missing}
	}
	return nil
}

// Reset - empty payload and step 1 for kind
func (m *Manager) Reset(kind model.JobKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[kind]; ok {
		m.sessions[kind] = newSession(kind)
	}
}

// Snapshot - copies of every session, for persistence
func (m *Manager) Snapshot() (model.JobKind, []Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(model.AllKinds))
	for _, k := range model.AllKinds {
		out = append(out, m.sessions[k].copy())
	}
	return m.active, out
}

// Load replaces sessions with restored ones. Kinds absent from restored keep their current draft.
func (m *Manager) Load(active model.JobKind, restored []Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range restored {
		s := restored[i]
		if _, ok := m.sessions[s.Kind]; !ok || s.Payload == nil {
			continue
		}
		c := s.copy()
		m.sessions[s.Kind] = &c
	}
	if _, ok := m.sessions[active]; ok {
		m.active = active
	}
}
