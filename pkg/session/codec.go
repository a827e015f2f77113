package session

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a session to its canonical JSON record. Timestamps
// marshal as RFC 3339, so the wire schema is identical across backends.
func Encode(s *Session) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &ValidationError{Reason: "marshal session", Err: err}
	}
	return data, nil
}

// Decode parses a stored record and checks structural invariants. A blob
// that doesn't parse, or that violates them, yields a ValidationError so
// a corrupt record never crashes the process.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, &ValidationError{Reason: "unmarshal session", Err: err}
	}
	if s.ID == "" {
		return nil, &ValidationError{Reason: "stored record has empty session id"}
	}
	if s.Version < 0 {
		return nil, &ValidationError{Reason: fmt.Sprintf("stored record has negative version %d", s.Version)}
	}
	if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(s.CreatedAt) {
		return nil, &ValidationError{Reason: "stored record expires before creation"}
	}
	prev := 0
	for _, t := range s.History {
		if t.Seq <= prev {
			return nil, &ValidationError{Reason: fmt.Sprintf("turn sequence not increasing at seq %d", t.Seq)}
		}
		prev = t.Seq
	}
	return &s, nil
}

// EncodeBounded serializes a session, trimming it in place until the
// record fits the byte ceiling. Trim order: oldest conversation turns
// first, then oldest per-agent history messages, then context fields
// flagged trimmable in declaration order (agents visited in AgentIDs
// order). Returns a ValidationError when nothing trimmable remains and
// the record is still over the ceiling. A ceiling of zero disables the
// bound.
func EncodeBounded(s *Session, ceiling int) ([]byte, bool, error) {
	data, err := Encode(s)
	if err != nil {
		return nil, false, err
	}
	if ceiling <= 0 || len(data) <= ceiling {
		return data, false, nil
	}

	trimmed := false
	for len(data) > ceiling {
		if !trimOnce(s) {
			return nil, trimmed, &ValidationError{
				Reason: fmt.Sprintf("session %s: %d bytes exceeds ceiling %d and no trimmable material remains", s.ID, len(data), ceiling),
			}
		}
		trimmed = true
		if data, err = Encode(s); err != nil {
			return nil, trimmed, err
		}
	}
	return data, trimmed, nil
}

// trimOnce removes the single oldest removable piece of the session and
// reports whether anything was removed.
func trimOnce(s *Session) bool {
	if len(s.History) > 0 {
		s.History = s.History[1:]
		return true
	}
	for _, id := range s.AgentIDs {
		st := s.AgentStates[id]
		if st != nil && len(st.History) > 0 {
			st.History = st.History[1:]
			return true
		}
	}
	for _, id := range s.AgentIDs {
		st := s.AgentStates[id]
		if st == nil {
			continue
		}
		for i := range st.Context {
			if st.Context[i].Trimmable {
				st.Context = append(st.Context[:i], st.Context[i+1:]...)
				return true
			}
		}
	}
	return false
}
