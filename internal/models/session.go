package models

import "time"

// Session is the server-held state container addressed by an opaque UUID.
// It is owned by exactly one user for its entire lifetime; the (user,
// session) binding is immutable once created.
type Session struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	ChatID     string                 `json:"chat_id"`
	Data       map[string]interface{} `json:"data"`
	CreatedAt  time.Time              `json:"created_at"`
	LastAccess time.Time              `json:"last_access"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// session cache's lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	data := make(map[string]interface{}, len(s.Data))
	for k, v := range s.Data {
		data[k] = v
	}
	cp := *s
	cp.Data = data
	return &cp
}
