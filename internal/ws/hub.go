package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages live build log subscriptions by build ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with build identifier.
type message struct {
	buildID string
	payload []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	buildID string
	client  Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.buildID]; !ok {
				h.clients[sub.buildID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.buildID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.buildID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.buildID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.buildID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.buildID)
				}
			}
		}
	}
}

// Register adds a client to a build's log stream.
func (h *Hub) Register(buildID string, client Subscriber) {
	h.register <- subscription{buildID: buildID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(buildID string, client Subscriber) {
	h.unreg <- subscription{buildID: buildID, client: client}
}

// Broadcast sends payload to all clients watching a build.
func (h *Hub) Broadcast(buildID string, payload []byte) {
	h.broadcast <- message{buildID: buildID, payload: payload}
}
