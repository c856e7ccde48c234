// Package sse implements a Server-Sent Events broker for live case updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const (
	clientBuffer     = 64
	defaultKeepalive = 25 * time.Second
)

// Event represents an SSE event to broadcast. Case scopes the event to one
// case; clients following a single case only get events for it and global
// events (Case == "").
type Event struct {
	Type string `json:"type"`
	Case string `json:"-"`
	Data any    `json:"data"`
}

// caseEventTypes maps change kinds to SSE event types.
var caseEventTypes = map[string]string{
	"created":  "case.created",
	"updated":  "case.updated",
	"deleted":  "case.deleted",
	"patched":  "case.patched",
	"evidence": "evidence.uploaded",
}

type caseEventReq struct {
	kind       string
	caseNumber string
}

type subscription struct {
	ch     chan []byte
	filter string
}

// Broker manages SSE client connections and broadcasts events.
//
// A single event loop goroutine owns the client set, the event sequence and
// the list throttle timestamp. Public methods talk to it over channels.
type Broker struct {
	listMin   time.Duration
	keepalive time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	caseEventCh   chan caseEventReq
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that emits cases.updated at most once per
// listThrottle.
func NewBroker(listThrottle time.Duration) *Broker {
	if listThrottle <= 0 {
		listThrottle = 2 * time.Second
	}

	b := &Broker{
		listMin:       listThrottle,
		keepalive:     defaultKeepalive,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		caseEventCh:   make(chan caseEventReq, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)
	var (
		seq      uint64
		lastList time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))

		for ch, filter := range clients {
			if filter != "" && event.Case != "" && filter != event.Case {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than block the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.filter

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.caseEventCh:
			typ, ok := caseEventTypes[req.kind]
			if !ok {
				continue
			}
			broadcast(Event{
				Type: typ,
				Case: req.caseNumber,
				Data: map[string]string{"case_number": req.caseNumber},
			})

			if now := time.Now(); now.Sub(lastList) >= b.listMin {
				lastList = now
				broadcast(Event{Type: "cases.updated", Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the event loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client that receives every event.
func (b *Broker) Subscribe() chan []byte {
	return b.subscribe("")
}

// SubscribeCase adds a client that follows one case.
func (b *Broker) SubscribeCase(caseNumber string) chan []byte {
	return b.subscribe(caseNumber)
}

func (b *Broker) subscribe(filter string) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- subscription{ch: ch, filter: filter}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all matching clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishCaseEvent publishes a case change and a throttled cases.updated event.
// kind is one of "created", "updated", "deleted", "patched" or "evidence";
// other kinds are ignored.
func (b *Broker) PublishCaseEvent(kind, caseNumber string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.caseEventCh <- caseEventReq{kind: kind, caseNumber: caseNumber}:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events). The optional
// "case" query parameter restricts the stream to one case.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.subscribe(strings.TrimSpace(r.URL.Query().Get("case")))
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(b.keepalive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
