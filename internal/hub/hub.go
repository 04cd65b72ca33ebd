package hub

import (
	"encoding/json"
	"log"
	"sync"
)

const (
	TopicPanel = "panel"
	TopicQueue = "queue"
	TopicStock = "stock"
)

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]bool
}

// Hub fans out view-change envelopes to connected panel and front-desk
// displays. Clients pick topics; a slow client drops messages instead of
// blocking the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.topics == nil {
		client.topics = make(map[string]bool)
	}
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateTopics(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.topics = make(map[string]bool, len(topics))
	for _, topic := range topics {
		client.topics[topic] = true
	}
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.topics[topic] {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub drop message for client %s", client.ID)
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
