package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pricewager/core/events"
)

const (
	defaultBacklog   = 1024
	subscriberBuffer = 64
	wsWriteTimeout   = 10 * time.Second
)

// StreamEvent is one engine event as delivered to websocket subscribers.
// Cursor can be passed back as ?cursor= to resume after a reconnect.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Cursor     string            `json:"cursor"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  int64             `json:"emittedAt"`
}

func cloneStreamEvent(evt StreamEvent) StreamEvent {
	cloned := evt
	cloned.Attributes = make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		cloned.Attributes[k] = v
	}
	return cloned
}

// EventHub is an events.Emitter that keeps a bounded history and fans
// events out to live subscribers. Subscribers that fall behind miss events
// rather than block the engine.
type EventHub struct {
	mu      sync.Mutex
	limit   int
	seq     uint64
	history []StreamEvent
	subs    map[uint64]chan StreamEvent
	nextID  uint64
	nowFn   func() time.Time
}

func NewEventHub(backlog int) *EventHub {
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &EventHub{
		limit: backlog,
		subs:  make(map[uint64]chan StreamEvent),
		nowFn: time.Now,
	}
}

// Emit implements events.Emitter.
func (h *EventHub) Emit(evt events.Event) {
	payload, ok := events.Payload(evt)
	if !ok {
		return
	}
	h.mu.Lock()
	h.seq++
	entry := StreamEvent{
		Sequence:   h.seq,
		Cursor:     strconv.FormatUint(h.seq, 10),
		Type:       payload.Type,
		Attributes: payload.Attributes,
		EmittedAt:  h.nowFn().Unix(),
	}
	entry = cloneStreamEvent(entry)
	h.history = append(h.history, entry)
	if len(h.history) > h.limit {
		excess := len(h.history) - h.limit
		trimmed := make([]StreamEvent, h.limit)
		copy(trimmed, h.history[excess:])
		h.history = trimmed
	}
	subscribers := make([]chan StreamEvent, 0, len(h.subs))
	for _, ch := range h.subs {
		subscribers = append(subscribers, ch)
	}
	h.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- cloneStreamEvent(entry):
		default:
		}
	}
}

// Subscribe registers a subscriber and returns the retained events after
// cursor. An empty or unparsable cursor replays nothing.
func (h *EventHub) Subscribe(cursor string) (<-chan StreamEvent, func(), []StreamEvent) {
	updates := make(chan StreamEvent, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = updates
	since := h.seq
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}
	backlog := make([]StreamEvent, 0)
	for _, entry := range h.history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamEvent(entry))
		}
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
	return updates, cancel, backlog
}

// Subscribers returns the number of live subscriptions.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// handleEventsWS streams hub events. ?type= restricts delivery to the listed
// event types (repeatable or comma separated), ?bet= to a single bet id.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := newStreamFilter(query["type"], query.Get("bet"))
	cursor := strings.TrimSpace(query.Get("cursor"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cors.AllowedOrigins)})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor string, filter streamFilter) error {
	updates, cancel, backlog := s.hub.Subscribe(cursor)
	defer cancel()

	for _, evt := range backlog {
		if !filter.match(evt) {
			continue
		}
		if err := writeStreamEvent(ctx, conn, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if !filter.match(evt) {
				continue
			}
			if err := writeStreamEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, evt StreamEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// originPatterns strips schemes since websocket origin patterns match hosts.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if i := strings.Index(origin, "://"); i >= 0 {
			origin = origin[i+3:]
		}
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

type streamFilter struct {
	types map[string]struct{}
	bet   string
}

func newStreamFilter(types []string, bet string) streamFilter {
	f := streamFilter{bet: strings.TrimPrefix(strings.ToLower(strings.TrimSpace(bet)), "0x")}
	for _, raw := range types {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				if f.types == nil {
					f.types = make(map[string]struct{})
				}
				f.types[t] = struct{}{}
			}
		}
	}
	return f
}

func (f streamFilter) match(evt StreamEvent) bool {
	if f.types != nil {
		if _, ok := f.types[evt.Type]; !ok {
			return false
		}
	}
	if f.bet != "" && evt.Attributes["id"] != f.bet {
		return false
	}
	return true
}
