// Package mjpeg broadcasts annotated frames to HTTP viewers as
// multipart/x-mixed-replace streams. Slow viewers lose frames, never the
// producer.
package mjpeg

import (
	"sync"
	"time"

	"github.com/technosupport/ts-fts/internal/overlay"
)

// Subscriber is one viewer's bounded frame queue. Frames() yields JPEG
// bytes; the channel closes when the publisher shuts down.
type Subscriber struct {
	ch   chan []byte
	pub  *Publisher
	once sync.Once
}

func (s *Subscriber) Frames() <-chan []byte { return s.ch }

// Close detaches the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.pub.remove(s)
	})
}

// Publisher fans frames out to subscribers with a per-subscriber bounded
// buffer and drop-oldest overflow. When the pipeline goes quiet it emits a
// "no signal" placeholder so viewers always see progress.
type Publisher struct {
	cameraID string
	buffer   int

	mu        sync.Mutex
	subs      map[*Subscriber]struct{}
	lastFrame time.Time
	closed    bool

	stop chan struct{}
	done chan struct{}
}

func NewPublisher(cameraID string, subscriberBuffer, placeholderHz int) *Publisher {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 1
	}
	if placeholderHz <= 0 {
		placeholderHz = 1
	}
	p := &Publisher{
		cameraID: cameraID,
		buffer:   subscriberBuffer,
		subs:     make(map[*Subscriber]struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.placeholderLoop(time.Second / time.Duration(placeholderHz))
	return p
}

// Publish broadcasts one JPEG frame. Never blocks: a full subscriber queue
// drops its oldest frame first.
func (p *Publisher) Publish(jpeg []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.lastFrame = time.Now()
	p.broadcastLocked(jpeg)
}

func (p *Publisher) broadcastLocked(jpeg []byte) {
	for s := range p.subs {
		select {
		case s.ch <- jpeg:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- jpeg:
			default:
			}
		}
	}
}

// Active reports whether anyone is watching, so producers can skip encoding
// work for unwatched cameras.
func (p *Publisher) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs) > 0
}

// Subscribe attaches a new viewer. The first frame it sees is the next one
// produced; there is no backlog replay.
func (p *Publisher) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan []byte, p.buffer), pub: p}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(s.ch)
		return s
	}
	p.subs[s] = struct{}{}
	return s
}

func (p *Publisher) remove(s *Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[s]; ok {
		delete(p.subs, s)
		close(s.ch)
	}
}

// SubscriberCount is for status reporting.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close notifies every subscriber by closing its channel and stops the
// placeholder loop.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for s := range p.subs {
		delete(p.subs, s)
		close(s.ch)
	}
	p.mu.Unlock()

	close(p.stop)
	<-p.done
}

// placeholderLoop keeps viewers fed while the pipeline produces nothing.
func (p *Publisher) placeholderLoop(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			stale := time.Since(p.lastFrame) >= interval
			hasSubs := len(p.subs) > 0
			if stale && hasSubs && !p.closed {
				p.broadcastLocked(overlay.Placeholder(0, 0, "no signal: "+p.cameraID, ""))
				p.lastFrame = time.Now()
			}
			p.mu.Unlock()
		}
	}
}

// Hub indexes publishers by camera id for the controller and HTTP layer.
type Hub struct {
	mu   sync.Mutex
	pubs map[string]*Publisher
}

func NewHub() *Hub {
	return &Hub{pubs: make(map[string]*Publisher)}
}

func (h *Hub) Create(cameraID string, subscriberBuffer, placeholderHz int) *Publisher {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.pubs[cameraID]; ok {
		old.Close()
	}
	p := NewPublisher(cameraID, subscriberBuffer, placeholderHz)
	h.pubs[cameraID] = p
	return p
}

func (h *Hub) Get(cameraID string) (*Publisher, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pubs[cameraID]
	return p, ok
}

func (h *Hub) Remove(cameraID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.pubs[cameraID]; ok {
		p.Close()
		delete(h.pubs, cameraID)
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	pubs := make([]*Publisher, 0, len(h.pubs))
	for id, p := range h.pubs {
		pubs = append(pubs, p)
		delete(h.pubs, id)
	}
	h.mu.Unlock()
	for _, p := range pubs {
		p.Close()
	}
}
