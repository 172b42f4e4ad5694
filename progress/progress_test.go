package progress

import (
	"encoding/json"
	"errors"
	"testing"
)

// memSink records events; failAfter > 0 makes Send fail from that call on.
type memSink struct {
	events    []Event
	calls     int
	failAfter int
}

func (m *memSink) Send(ev Event) error {
	m.calls++
	if m.failAfter > 0 && m.calls >= m.failAfter {
		return errors.New("sink full")
	}
	m.events = append(m.events, ev)
	return nil
}

// ---------------------------------------------------------------------------
// Subscription tests
// ---------------------------------------------------------------------------

func TestSubscribeAndCounts(t *testing.T) {
	b := NewBus()
	s1 := &memSink{}
	s2 := &memSink{}

	b.Subscribe("alice", s1)
	b.Subscribe("alice", s2)
	b.Subscribe("bob", &memSink{})

	if got := b.ClientCount(); got != 2 {
		t.Errorf("ClientCount = %d, want 2", got)
	}
	if got := b.ConnectionCount(); got != 3 {
		t.Errorf("ConnectionCount = %d, want 3", got)
	}
	if !b.IsConnected("alice") {
		t.Error("IsConnected(alice) = false, want true")
	}
	if b.IsConnected("carol") {
		t.Error("IsConnected(carol) = true, want false")
	}
}

func TestUnsubscribeDropsEmptyClient(t *testing.T) {
	b := NewBus()
	s := &memSink{}
	b.Subscribe("alice", s)
	b.Unsubscribe("alice", s)

	if b.IsConnected("alice") {
		t.Error("client should be gone after last sink unsubscribes")
	}
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}

	// Unsubscribing an unknown client is a no-op.
	b.Unsubscribe("nobody", s)
}

// ---------------------------------------------------------------------------
// Publish tests
// ---------------------------------------------------------------------------

func TestPublishReachesAllSinksOfClient(t *testing.T) {
	b := NewBus()
	s1 := &memSink{}
	s2 := &memSink{}
	other := &memSink{}
	b.Subscribe("alice", s1)
	b.Subscribe("alice", s2)
	b.Subscribe("bob", other)

	b.PublishProgress("alice", 7, StageEmbedding, 50, "embedding chunks", nil)

	if len(s1.events) != 1 || len(s2.events) != 1 {
		t.Fatalf("alice sinks got %d/%d events, want 1/1", len(s1.events), len(s2.events))
	}
	if len(other.events) != 0 {
		t.Errorf("bob sink got %d events, want 0", len(other.events))
	}
	ev := s1.events[0]
	if ev.Type != TypeProgress || ev.KBID != 7 || ev.Stage != StageEmbedding || ev.Progress != 50 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestPublishUnknownClientIsNoop(t *testing.T) {
	b := NewBus()
	b.PublishProgress("ghost", 1, StageParsing, 10, "parsing", nil)
}

func TestPublishOrderPerSink(t *testing.T) {
	b := NewBus()
	s := &memSink{}
	b.Subscribe("alice", s)

	stages := []struct {
		stage string
		pct   int
	}{
		{StageParsing, 10},
		{StageChunking, 30},
		{StageEmbedding, 50},
		{StageStoring, 80},
	}
	for _, st := range stages {
		b.PublishProgress("alice", 3, st.stage, st.pct, st.stage, nil)
	}

	if len(s.events) != len(stages) {
		t.Fatalf("got %d events, want %d", len(s.events), len(stages))
	}
	for i, st := range stages {
		if s.events[i].Progress != st.pct {
			t.Errorf("event[%d].Progress = %d, want %d", i, s.events[i].Progress, st.pct)
		}
	}
}

func TestFailingSinkIsDroppedOthersSurvive(t *testing.T) {
	b := NewBus()
	bad := &memSink{failAfter: 1}
	good := &memSink{}
	b.Subscribe("alice", bad)
	b.Subscribe("alice", good)

	b.PublishError("alice", 9, "parse failed", "empty document")
	b.PublishComplete("alice", 9, "done", nil)

	if len(good.events) != 2 {
		t.Fatalf("good sink got %d events, want 2", len(good.events))
	}
	if bad.calls != 1 {
		t.Errorf("bad sink called %d times, want 1 (dropped after first failure)", bad.calls)
	}
	if got := b.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount = %d, want 1", got)
	}
}

func TestBroadcast(t *testing.T) {
	b := NewBus()
	s1 := &memSink{}
	s2 := &memSink{}
	b.Subscribe("alice", s1)
	b.Subscribe("bob", s2)

	b.Broadcast(Event{Type: TypeComplete, KBID: 1, Message: "maintenance"})

	if len(s1.events) != 1 || len(s2.events) != 1 {
		t.Errorf("broadcast reached %d/%d sinks, want 1/1", len(s1.events), len(s2.events))
	}
}

// ---------------------------------------------------------------------------
// Wire shape tests
// ---------------------------------------------------------------------------

func TestEventMarshalFlat(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want map[string]any
	}{
		{
			name: "progress",
			ev: Event{
				Type: TypeProgress, KBID: 7, Stage: StageStoring,
				Progress: 80, Message: "storing vectors",
			},
			want: map[string]any{
				"type": "progress", "kb_id": float64(7), "stage": "storing",
				"progress": float64(80), "message": "storing vectors",
			},
		},
		{
			name: "error_with_detail",
			ev:   Event{Type: TypeError, KBID: 2, Error: "parse failed", Detail: "empty document"},
			want: map[string]any{
				"type": "error", "kb_id": float64(2),
				"error": "parse failed", "detail": "empty document",
			},
		},
		{
			name: "complete_with_extra",
			ev: Event{
				Type: TypeComplete, KBID: 4, Message: "file processed",
				Extra: map[string]any{"file_id": float64(12), "chunk_count": float64(3)},
			},
			want: map[string]any{
				"type": "complete", "kb_id": float64(4), "message": "file processed",
				"file_id": float64(12), "chunk_count": float64(3),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Errorf("got %d keys %v, want %d", len(got), got, len(tt.want))
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("key %q = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}
