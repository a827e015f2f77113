package session

import (
	"strings"
	"testing"
	"time"
)

func testSession(id string) *Session {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(72 * time.Hour),
		State:     StateActive,
		Version:   0,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := testSession("s1")
	s.Metadata = map[string]any{"userId": "u-42"}
	st := s.AddAgent("researcher")
	st.SetContext("goal", "summarize", false)
	st.History = append(st.History, HistoryMessage{Role: "system", Content: "be brief"})
	s.AppendTurn("hello", []AgentResponse{{AgentID: "researcher", Content: "hi"}}, s.CreatedAt)

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != "s1" || got.State != StateActive {
		t.Errorf("round trip lost identity: %+v", got)
	}
	if len(got.History) != 1 || got.History[0].Seq != 1 {
		t.Errorf("history = %+v, want one turn with seq 1", got.History)
	}
	if v, ok := got.AgentStates["researcher"].GetContext("goal"); !ok || v != "summarize" {
		t.Errorf("agent context lost: %v %v", v, ok)
	}
}

func TestDecodeRejectsCorruptRecords(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"empty id", `{"id":"","state":"ACTIVE","version":1,"createdAt":"2026-03-01T12:00:00Z","updatedAt":"2026-03-01T12:00:00Z","expiresAt":"2026-03-04T12:00:00Z"}`},
		{"negative version", `{"id":"x","state":"ACTIVE","version":-1,"createdAt":"2026-03-01T12:00:00Z","updatedAt":"2026-03-01T12:00:00Z","expiresAt":"2026-03-04T12:00:00Z"}`},
		{"expires before creation", `{"id":"x","state":"ACTIVE","version":0,"createdAt":"2026-03-04T12:00:00Z","updatedAt":"2026-03-04T12:00:00Z","expiresAt":"2026-03-01T12:00:00Z"}`},
		{"non-increasing seq", `{"id":"x","state":"ACTIVE","version":0,"createdAt":"2026-03-01T12:00:00Z","updatedAt":"2026-03-01T12:00:00Z","expiresAt":"2026-03-04T12:00:00Z","conversationHistory":[{"seq":2},{"seq":2}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			if !IsValidation(err) {
				t.Errorf("Decode(%s) = %v, want ValidationError", tc.name, err)
			}
		})
	}
}

func TestEncodeBoundedTrimsOldestTurnsFirst(t *testing.T) {
	s := testSession("trim-turns")
	at := s.CreatedAt
	for i := 0; i < 10; i++ {
		s.AppendTurn(strings.Repeat("x", 200), nil, at)
		at = at.Add(time.Minute)
	}
	full, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	data, trimmed, err := EncodeBounded(s, len(full)-1)
	if err != nil {
		t.Fatalf("EncodeBounded: %v", err)
	}
	if !trimmed {
		t.Fatal("expected a trim")
	}
	if len(data) >= len(full) {
		t.Errorf("trimmed record is %d bytes, want < %d", len(data), len(full))
	}
	if len(s.History) == 0 {
		t.Fatal("all turns removed, expected only the oldest to go")
	}
	if s.History[0].Seq == 1 {
		t.Error("oldest turn survived the trim")
	}
	// Remaining sequence numbers stay intact and increasing.
	prev := 0
	for _, turn := range s.History {
		if turn.Seq <= prev {
			t.Fatalf("sequence broken after trim: %d after %d", turn.Seq, prev)
		}
		prev = turn.Seq
	}
}

func TestEncodeBoundedTrimOrder(t *testing.T) {
	s := testSession("trim-order")
	a := s.AddAgent("alpha")
	b := s.AddAgent("beta")
	a.History = []HistoryMessage{{Role: "user", Content: strings.Repeat("a", 300)}}
	b.History = []HistoryMessage{{Role: "user", Content: strings.Repeat("b", 300)}}
	a.SetContext("scratch", strings.Repeat("c", 300), true)
	a.SetContext("pinned", "keep", false)

	// No conversation turns, so trimming starts with agent history in
	// AgentIDs order, then trimmable context fields.
	if !trimOnce(s) || len(a.History) != 0 {
		t.Fatal("first trim should drop alpha's oldest history message")
	}
	if !trimOnce(s) || len(b.History) != 0 {
		t.Fatal("second trim should drop beta's oldest history message")
	}
	if !trimOnce(s) {
		t.Fatal("third trim should drop alpha's trimmable context field")
	}
	if _, ok := a.GetContext("scratch"); ok {
		t.Error("trimmable context field survived")
	}
	if _, ok := a.GetContext("pinned"); !ok {
		t.Error("non-trimmable context field was removed")
	}
	if trimOnce(s) {
		t.Error("nothing trimmable should remain")
	}
}

func TestEncodeBoundedFailsWhenNothingTrimmable(t *testing.T) {
	s := testSession("untrimmable")
	s.Metadata = map[string]any{"blob": strings.Repeat("z", 4096)}

	_, _, err := EncodeBounded(s, 64)
	if !IsValidation(err) {
		t.Fatalf("EncodeBounded = %v, want ValidationError", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := testSession("clone")
	st := s.AddAgent("a1")
	st.SetContext("k", "v", false)
	s.AppendTurn("q", []AgentResponse{{AgentID: "a1", Content: "r"}}, s.CreatedAt)

	cp := s.Clone()
	cp.AgentStates["a1"].SetContext("k", "mutated", false)
	cp.History[0].Responses[0].Content = "mutated"
	cp.AgentIDs[0] = "mutated"

	if v, _ := st.GetContext("k"); v != "v" {
		t.Error("clone shares agent context with original")
	}
	if s.History[0].Responses[0].Content != "r" {
		t.Error("clone shares turn responses with original")
	}
	if s.AgentIDs[0] != "a1" {
		t.Error("clone shares agent id slice with original")
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateActive, StatePaused, true},
		{StatePaused, StateActive, true},
		{StateActive, StateClosed, true},
		{StateExpired, StateActive, false},
		{StateClosed, StateActive, false},
		{StateInvalidated, StateActive, false},
		{StateExpired, StateInvalidated, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
