// Package fanout implements the Event Fan-out and the `/ws` event
// channel: a set of long-lived subscribers, each with an
// org filter and interest set, receiving best-effort broadcasts. The
// accept/read-loop/write-loop shape over github.com/coder/websocket is
// a one-way server-push broadcast channel: a drain-only read goroutine
// detects client disconnects while a push loop delivers events.
package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// EventType is the fixed interest-set vocabulary.
type EventType string

const (
	EventAgentStatus       EventType = "agent_status"
	EventBurnRate          EventType = "burn_rate"
	EventAnomalyDetected   EventType = "anomaly_detected"
	EventTraceEvent        EventType = "trace_event"
	EventGlobalPauseStatus EventType = "global_pause_status"
	EventAgentBlocked      EventType = "agent_blocked"
	EventPolicyUpdated     EventType = "policy_updated"
	EventWAFRuleUpdated    EventType = "waf_rule_updated"
	EventEmergencyStop     EventType = "emergency_stop"
)

// Event is the wire message the fan-out pushes.
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

func newEvent(t EventType, payload interface{}) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

type subscribeMsg struct {
	Action string      `json:"action"`
	OrgID  string      `json:"orgId"`
	Events []EventType `json:"events"`
}

type subscriber struct {
	id       string
	orgID    string // empty = all orgs
	interest map[EventType]bool
	send     chan Event
}

func (s *subscriber) interested(orgID string, t EventType) bool {
	if s.orgID != "" && s.orgID != orgID {
		return false
	}
	if len(s.interest) == 0 {
		return true
	}
	return s.interest[t]
}

// Fanout is the Event Fan-out.
type Fanout struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// New constructs an empty Fanout.
func New() *Fanout {
	return &Fanout{subs: make(map[string]*subscriber)}
}

// Emit broadcasts an event to every subscriber whose org filter and
// interest set match; delivery is best-effort (drop on closed/full
// subscriber).
func (f *Fanout) Emit(orgID string, t EventType, payload interface{}) {
	ev := newEvent(t, payload)
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.subs {
		if !s.interested(orgID, t) {
			continue
		}
		select {
		case s.send <- ev:
		default:
			slog.Warn("fanout: dropping event for slow subscriber", "subscriber", s.id, "type", t)
		}
	}
}

// SubscriberCount reports the current number of connected subscribers.
func (f *Fanout) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// ServeHTTP upgrades the connection and runs the subscriber's lifetime:
// read the first subscribe message, then push events until the
// connection closes.
func (f *Fanout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("fanout: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		slog.Warn("fanout: failed to read subscribe message", "error", err)
		return
	}
	var sub subscribeMsg
	if err := json.Unmarshal(data, &sub); err != nil || sub.Action != "subscribe" {
		conn.Close(websocket.StatusPolicyViolation, "expected subscribe message")
		return
	}

	s := &subscriber{id: uuid.NewString(), orgID: sub.OrgID, send: make(chan Event, 32)}
	s.interest = make(map[EventType]bool, len(sub.Events))
	for _, e := range sub.Events {
		s.interest[e] = true
	}

	f.mu.Lock()
	f.subs[s.id] = s
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.subs, s.id)
		f.mu.Unlock()
	}()

	slog.Info("fanout: subscriber connected", "id", s.id, "org", s.orgID, "events", len(s.interest))

	proxyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Drain any further client frames (ignored beyond the initial
	// subscribe) so the read side notices disconnects promptly.
	go func() {
		for {
			if _, _, err := conn.Read(proxyCtx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-proxyCtx.Done():
			return
		case ev := <-s.send:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, wcancel := context.WithTimeout(proxyCtx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			wcancel()
			if err != nil {
				return
			}
		}
	}
}
