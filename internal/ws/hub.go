// Package ws streams live recognition results to dashboard clients over
// WebSocket, one subscription set per camera.
package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// clientQueueSize bounds the per-client send queue. A viewer that
	// stops reading loses frames, never the producer's time.
	clientQueueSize = 8
	writeWait       = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Same-host dashboards only; the admin API is not exposed off-box.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RecognitionMessage is the per-frame payload pushed to subscribers.
type RecognitionMessage struct {
	CameraID  string      `json:"camera_id"`
	Timestamp time.Time   `json:"timestamp"`
	Faces     []FaceBox   `json:"faces"`
	Crossings []CrossedBy `json:"crossings,omitempty"`
}

type FaceBox struct {
	TrackID    uint64  `json:"track_id"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	EmployeeID string  `json:"employee_id,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Unknown    bool    `json:"unknown"`
}

type CrossedBy struct {
	TripwireID string `json:"tripwire_id"`
	EmployeeID string `json:"employee_id"`
	Direction  string `json:"direction"`
}

// client is one connection with its bounded send queue. The writeLoop
// goroutine is the only writer to the socket.
type client struct {
	conn *websocket.Conn
	send chan []byte
	stop chan struct{}
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
}

// writeLoop drains the send queue onto the socket. A write that misses the
// deadline drops the client.
func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-c.stop:
			return
		}
	}
}

// Hub manages WebSocket subscriptions keyed by camera id.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]bool)}
}

// Serve upgrades the request and holds the connection registered for the
// camera until the client goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, cameraID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	cl := &client{
		conn: conn,
		send: make(chan []byte, clientQueueSize),
		stop: make(chan struct{}),
	}
	h.register(cameraID, cl)
	go cl.writeLoop()
	defer func() {
		h.unregister(cameraID, cl)
		cl.close()
	}()

	// Reads only drain control frames; clients never send data.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) register(cameraID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[cameraID] == nil {
		h.clients[cameraID] = make(map[*client]bool)
	}
	h.clients[cameraID][cl] = true
	log.Printf("[WS] client joined camera %s (total: %d)", cameraID, len(h.clients[cameraID]))
}

func (h *Hub) unregister(cameraID string, cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[cameraID]; ok {
		delete(conns, cl)
		if len(conns) == 0 {
			delete(h.clients, cameraID)
		}
	}
}

// HasClients lets producers skip marshaling when nobody listens.
func (h *Hub) HasClients(cameraID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns, ok := h.clients[cameraID]
	return ok && len(conns) > 0
}

// ClientCount is total connections across cameras, for status.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// Broadcast queues one recognition message for every subscriber of the
// camera. It never blocks: a full queue drops the oldest entry so slow
// viewers see the latest state, not a backlog.
func (h *Hub) Broadcast(msg *RecognitionMessage) {
	if !h.HasClients(msg.CameraID) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[WS] marshal failed: %v", err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients[msg.CameraID]))
	for cl := range h.clients[msg.CameraID] {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	for _, cl := range clients {
		select {
		case cl.send <- data:
		default:
			select {
			case <-cl.send:
			default:
			}
			select {
			case cl.send <- data:
			default:
			}
		}
	}
}

// CloseAll disconnects every client, used at shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conns := range h.clients {
		for cl := range conns {
			cl.close()
		}
		delete(h.clients, id)
	}
}
