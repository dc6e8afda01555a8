package notify

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscriber is one websocket connection attached to a notification channel.
// Writes to the connection are serialized by the mutex; the Deliveries buffer
// absorbs bursts until the write loop catches up.
type Subscriber struct {
	Conn       *websocket.Conn
	Deliveries chan *Delivery
	ID         string
	Channel    string
	done       chan struct{}
	mu         sync.Mutex
	closed     bool
}

func (s *Subscriber) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			err := s.Conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()

			if err != nil {
				log.Printf("notify: ping failed for subscriber %s: %v", s.ID, err)
				return
			}
		}
	}
}

func (s *Subscriber) pushDeliveries() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.Conn.Close()
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		case delivery, ok := <-s.Deliveries:
			if !ok {
				return
			}

			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			err := s.Conn.WriteJSON(delivery)
			s.mu.Unlock()

			if err != nil {
				log.Printf("notify: delivery to subscriber %s failed: %v", s.ID, err)
				return
			}
		}
	}
}

// drainConn consumes the connection until the peer closes it. The sink is
// one-way; inbound frames are discarded, but the read loop is what notices
// the disconnect and detaches the subscriber.
func (s *Subscriber) drainConn(hub *Hub) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("notify: recovered in drainConn: %v", r)
		}

		if s.done != nil {
			close(s.done)
		}

		hub.Detach <- s
		log.Printf("notify: subscriber %s left channel %s", s.ID, s.Channel)
	}()

	s.Conn.SetReadLimit(512 * 1024)

	for {
		if _, _, err := s.Conn.ReadMessage(); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if closeErr.Code == websocket.CloseNormalClosure ||
					closeErr.Code == websocket.CloseGoingAway ||
					closeErr.Code == websocket.CloseNoStatusReceived {
					break
				}
			}
			log.Printf("notify: read error for subscriber %s: %v", s.ID, err)
			break
		}
	}
}
