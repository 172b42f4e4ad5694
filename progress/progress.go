// Package progress fans ingestion notifications out to subscribed clients.
//
// The bus is transport-agnostic: cmd/server registers one Sink per WebSocket
// connection, tests register in-memory sinks. A client ID may own several
// sinks at once (multiple tabs); events publish to all of them.
package progress

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event type discriminators.
const (
	TypeProgress = "progress"
	TypeError    = "error"
	TypeComplete = "complete"
)

// Ingestion stage names carried in progress events.
const (
	StageParsing   = "parsing"
	StageChunking  = "chunking"
	StageEmbedding = "embedding"
	StageStoring   = "storing"
)

// Event is a single notification. It marshals flat, so the wire shape is
// {"type":"progress","kb_id":7,"stage":"embedding","progress":50,...} with
// Extra keys merged into the top level.
type Event struct {
	Type     string
	KBID     int64
	Stage    string
	Progress int
	Message  string
	Error    string
	Detail   string
	Extra    map[string]any
}

// MarshalJSON flattens the event into a single JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 7+len(e.Extra))
	m["type"] = e.Type
	m["kb_id"] = e.KBID
	switch e.Type {
	case TypeProgress:
		m["stage"] = e.Stage
		m["progress"] = e.Progress
		m["message"] = e.Message
	case TypeError:
		m["error"] = e.Error
		if e.Detail != "" {
			m["detail"] = e.Detail
		}
	case TypeComplete:
		m["message"] = e.Message
	default:
		if e.Message != "" {
			m["message"] = e.Message
		}
	}
	for k, v := range e.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// Sink receives published events. Send must not block: implementations
// buffer internally and return an error when the buffer is full or the
// connection is gone. A failing sink is dropped from the bus.
type Sink interface {
	Send(Event) error
}

// Bus routes events to sinks by client ID.
type Bus struct {
	mu    sync.Mutex
	sinks map[string]map[Sink]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{sinks: make(map[string]map[Sink]struct{})}
}

// Subscribe registers a sink under a client ID.
func (b *Bus) Subscribe(clientID string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sinks[clientID]
	if !ok {
		set = make(map[Sink]struct{})
		b.sinks[clientID] = set
	}
	set[s] = struct{}{}
	slog.Info("progress subscriber added", "client_id", clientID, "sinks", len(set))
}

// Unsubscribe removes a sink. Removing the last sink of a client drops the
// client entry entirely.
func (b *Bus) Unsubscribe(clientID string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sinks[clientID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.sinks, clientID)
	}
}

// Publish delivers an event to every sink of the client, in registration
// iteration order. Sinks whose Send fails are removed; delivery continues
// with the remaining sinks. Unknown client IDs are a no-op.
//
// Sends happen under the bus lock, which serializes publishes so each sink
// observes events in publish order. Sink implementations must not block.
func (b *Bus) Publish(clientID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendLocked(clientID, ev)
}

// Broadcast delivers an event to every sink of every client.
func (b *Bus) Broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for clientID := range b.sinks {
		b.sendLocked(clientID, ev)
	}
}

func (b *Bus) sendLocked(clientID string, ev Event) {
	set, ok := b.sinks[clientID]
	if !ok {
		return
	}
	var failed []Sink
	for s := range set {
		if err := s.Send(ev); err != nil {
			failed = append(failed, s)
		}
	}
	for _, s := range failed {
		delete(set, s)
		slog.Warn("progress sink dropped", "client_id", clientID, "type", ev.Type)
	}
	if len(set) == 0 {
		delete(b.sinks, clientID)
	}
}

// PublishProgress emits a stage update for a knowledge base.
func (b *Bus) PublishProgress(clientID string, kbID int64, stage string, pct int, message string, extra map[string]any) {
	b.Publish(clientID, Event{
		Type:     TypeProgress,
		KBID:     kbID,
		Stage:    stage,
		Progress: pct,
		Message:  message,
		Extra:    extra,
	})
}

// PublishError emits a terminal failure notification.
func (b *Bus) PublishError(clientID string, kbID int64, errMsg, detail string) {
	b.Publish(clientID, Event{
		Type:   TypeError,
		KBID:   kbID,
		Error:  errMsg,
		Detail: detail,
	})
}

// PublishComplete emits a terminal success notification.
func (b *Bus) PublishComplete(clientID string, kbID int64, message string, extra map[string]any) {
	b.Publish(clientID, Event{
		Type:    TypeComplete,
		KBID:    kbID,
		Message: message,
		Extra:   extra,
	})
}

// IsConnected reports whether a client has at least one live sink.
func (b *Bus) IsConnected(clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks[clientID]) > 0
}

// ClientCount returns the number of distinct subscribed clients.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// ConnectionCount returns the total number of sinks across all clients.
func (b *Bus) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.sinks {
		n += len(set)
	}
	return n
}
