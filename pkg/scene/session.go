package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"time"
)

// ErrMissingParam is returned by Decode for absent parameters.
var ErrMissingParam = errors.New("scene: missing param")

// Frame is a suspended scene position on the pending stack.
type Frame struct {
	SceneID string `json:"scene_id"`
	Cursor  int    `json:"cursor"`
}

// Session is the per-conversation record. Cursor is -1 when no scene is
// active.
type Session struct {
	Key       string         `json:"key"`
	UserID    int64          `json:"user_id"`
	Locale    string         `json:"locale"`
	SceneID   string         `json:"scene_id,omitempty"`
	Cursor    int            `json:"cursor"`
	Params    map[string]any `json:"params,omitempty"`
	Pending   []Frame        `json:"pending,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSession creates an idle session.
func NewSession(key string, userID int64, locale string) *Session {
	return &Session{
		Key:    key,
		UserID: userID,
		Locale: locale,
		Cursor: -1,
		Params: make(map[string]any),
	}
}

// State projects the session onto the transition state.
func (s *Session) State() State {
	if s.SceneID == "" {
		return Idle{}
	}
	return Active{SceneID: s.SceneID, Cursor: s.Cursor}
}

func (s *Session) setState(st State) {
	switch st := st.(type) {
	case Active:
		s.SceneID, s.Cursor = st.SceneID, st.Cursor
	default:
		s.SceneID, s.Cursor = "", -1
	}
}

// Idle reports whether the session holds nothing worth persisting.
func (s *Session) Idle() bool {
	return s.SceneID == "" && len(s.Params) == 0 && len(s.Pending) == 0
}

// Set stores a scene-scoped parameter.
func (s *Session) Set(key string, value any) {
	if s.Params == nil {
		s.Params = make(map[string]any)
	}
	s.Params[key] = value
}

// Delete removes a parameter.
func (s *Session) Delete(key string) {
	delete(s.Params, key)
}

// Param returns a raw parameter.
func (s *Session) Param(key string) (any, bool) {
	v, ok := s.Params[key]
	return v, ok
}

// String returns a string parameter or "".
func (s *Session) String(key string) string {
	v, _ := s.Params[key].(string)
	return v
}

// Int64 reads an integer parameter. Values that went through JSON come
// back as float64 or json.Number and are accepted.
func (s *Session) Int64(key string) (int64, bool) {
	switch v := s.Params[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), v == float64(int64(v))
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Decode converts a structured parameter into out.
func (s *Session) Decode(key string, out any) error {
	v, ok := s.Params[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode param %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode param %s: %w", key, err)
	}
	return nil
}

func (s *Session) merge(params map[string]any) {
	if s.Params == nil {
		s.Params = make(map[string]any, len(params))
	}
	maps.Copy(s.Params, params)
}

func (s *Session) clear() {
	s.Params = make(map[string]any)
}
