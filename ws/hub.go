// Package ws fans out new-message events to live websocket observers.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/chatview/chatview/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Observers connect from the static UI on another origin.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Envelope is the frame pushed to every observer.
type Envelope struct {
	Event   string        `json:"event"`
	Message *store.Record `json:"message"`
}

// Hub tracks live observer connections and delivers every broadcast to
// each of them. A slow or failed observer is disconnected, never the
// ingestion path's problem.
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
}

func NewHub() *Hub {
	return &Hub{observers: make(map[string]*Observer)}
}

// ServeHTTP upgrades the request and registers the new observer. No
// handshake payload is expected; the peer just listens.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrade error: %v", err)
		return
	}

	o := &Observer{
		sid:      strings.ReplaceAll(uuid.New(), "-", ""),
		conn:     conn,
		hub:      h,
		dataChan: make(chan []byte, observerQueueLen),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("observer %s closed by peer, code: %d, text: %s", o.sid, code, text)
		o.close(causePeerClose)
		return nil
	})

	h.register(o)

	go o.recvLoop()
	go o.sendLoop()
}

func (h *Hub) register(o *Observer) {
	h.mu.Lock()
	h.observers[o.sid] = o
	h.mu.Unlock()
	connectedObservers.Inc()
	glog.V(5).Infof("observer %s registered", o.sid)
}

// unregister is idempotent: removing an absent observer is a no-op.
func (h *Hub) unregister(sid string) {
	h.mu.Lock()
	_, ok := h.observers[sid]
	if ok {
		delete(h.observers, sid)
	}
	h.mu.Unlock()
	if ok {
		connectedObservers.Dec()
		glog.V(5).Infof("observer %s unregistered", sid)
	}
}

// Broadcast serializes the event once and enqueues it to every observer
// connected right now. Each observer has its own send goroutine, so one
// stalled peer cannot stall the hub; an observer whose queue is full is
// treated as failed and disconnected.
func (h *Hub) Broadcast(event string, rec *store.Record) {
	payload, err := json.Marshal(&Envelope{Event: event, Message: rec})
	if err != nil {
		glog.Errorf("Broadcast(): marshal error: %v", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	broadcasts.Inc()
	for _, o := range targets {
		if !o.enqueue(payload) {
			deliveryFailures.Inc()
			glog.Errorf("Broadcast(): observer %s queue full, dropping connection", o.sid)
			o.close(causeSlowObserver)
		}
	}
}

// Len reports the number of connected observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// CloseAll disconnects every observer, for server shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	for _, o := range targets {
		o.close(causeServerStop)
	}
}
