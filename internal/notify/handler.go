package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"support-chat-backend/internal/env"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

var (
	upgrader    websocket.Upgrader
	redisClient *redis.Client
)

func init() {
	upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	redisClient = redis.NewClient(&redis.Options{
		Addr:     env.Get(env.EventRedisURL),
		Password: env.Get(env.EventRedisPass),
		DB:       0,
	})
}

// Handler fans redis-published events out to websocket subscribers. One
// channel per conversation plus one per company event stream.
type Handler struct {
	hub         *Hub
	redisClient *redis.Client
}

func NewHandler(h *Hub) *Handler {
	return &Handler{
		hub:         h,
		redisClient: redisClient,
	}
}

func (h *Handler) relayChannel(channel string) {
	subscription := h.redisClient.Subscribe(context.Background(), channel)
	defer subscription.Close()

	ch := subscription.Channel()
	for msg := range ch {
		h.hub.Deliver <- &Delivery{
			Content:   msg.Payload,
			Channel:   channel,
			Timestamp: time.Now().Unix(),
		}
	}
	log.Printf("notify: redis relay for %s stopped", channel)
}

// EnsureChannel creates the notification channel and starts its redis relay
// exactly once. Safe to call from concurrent upgrade requests.
func (h *Handler) EnsureChannel(channel string) {
	if h.hub.EnsureChannel(channel) {
		go h.relayChannel(channel)
	}
}

// Subscribe upgrades the request and attaches the connection to a channel.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request, channel, subscriberID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub := &Subscriber{
		Conn:       conn,
		Deliveries: make(chan *Delivery, 10),
		ID:         subscriberID,
		Channel:    channel,
		done:       make(chan struct{}),
	}

	h.hub.Attach <- sub

	go sub.keepAlive()
	go sub.pushDeliveries()
	go sub.drainConn(h.hub)
}

func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	channels := make([]ChannelInfo, 0)
	for _, name := range h.hub.ChannelNames() {
		channels = append(channels, ChannelInfo{Name: name})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(channels)
}
