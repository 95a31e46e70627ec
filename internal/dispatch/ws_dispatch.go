package dispatch

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSSession is one connected worker app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds the live session of each worker. A new connection
// replaces the previous one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for workerID and returns the func that unregisters it.
func (r *WSRegistry) Add(workerID string, conn *websocket.Conn) func() {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[workerID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[workerID] = s
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		if r.sessions[workerID] == s {
			delete(r.sessions, workerID)
		}
		r.mu.Unlock()
		_ = conn.Close()
	}
}

// Serve keeps workerID's session registered until the peer disconnects.
func (r *WSRegistry) Serve(workerID string, conn *websocket.Conn) {
	remove := r.Add(workerID, conn)
	defer remove()
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Send(workerID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[workerID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

var ErrNoSession = errors.New("no ws session")
