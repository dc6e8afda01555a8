package notify

import "sync"

// Hub fans deliveries out to the subscribers of each notification channel.
// The channels map is shared between the Run goroutine and the HTTP upgrade
// goroutines that create channels, so it is guarded by a mutex; each
// channel's subscriber set is touched only by Run.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Channel

	Attach  chan *Subscriber
	Detach  chan *Subscriber
	Deliver chan *Delivery
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]*Channel),
		Attach:   make(chan *Subscriber),
		Detach:   make(chan *Subscriber),
		Deliver:  make(chan *Delivery),
	}
}

// EnsureChannel creates the named channel if it does not exist yet and
// reports whether this call created it.
func (h *Hub) EnsureChannel(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.channels[name]; ok {
		return false
	}
	h.channels[name] = &Channel{
		Name:        name,
		Subscribers: make(map[string]*Subscriber),
	}
	setChannels(len(h.channels))
	return true
}

func (h *Hub) channel(name string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channels[name]
}

// ChannelNames lists the currently known notification channels.
func (h *Hub) ChannelNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	return names
}

func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.Attach:
			channel := h.channel(sub.Channel)
			if channel == nil {
				continue
			}
			channel.Subscribers[sub.ID] = sub
			incConnections()

		case sub := <-h.Detach:
			channel := h.channel(sub.Channel)
			if channel == nil {
				continue
			}
			if _, ok := channel.Subscribers[sub.ID]; ok {
				delete(channel.Subscribers, sub.ID)
				close(sub.Deliveries)
				decConnections()
			}

		case delivery := <-h.Deliver:
			channel := h.channel(delivery.Channel)
			if channel == nil {
				continue
			}
			delivered := 0
			for _, sub := range channel.Subscribers {
				select {
				case sub.Deliveries <- delivery:
					delivered++
				default:
					// Slow consumer; drop the connection rather than the hub.
					close(sub.Deliveries)
					delete(channel.Subscribers, sub.ID)
					decConnections()
				}
			}
			if delivered > 0 {
				addDelivered(delivered)
			}
		}
	}
}
