package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/samanakhatri365/samana-khatri-QueueEase/internal/queue"

	"github.com/rs/zerolog"
)

// Client is one realtime session. Send is drained by the transport layer;
// a client whose buffer is full misses the message rather than blocking
// the broadcast.
type Client struct {
	ID       string
	Send     chan []byte
	channels map[string]struct{}
}

func NewClient(id string, buffer int) *Client {
	return &Client{
		ID:       id,
		Send:     make(chan []byte, buffer),
		channels: make(map[string]struct{}),
	}
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	log     zerolog.Logger
}

// ControlMessage is what subscribers send to manage their department
// memberships.
type ControlMessage struct {
	Action       string `json:"action"`
	DepartmentID string `json:"department_id"`
}

// Envelope wraps every payload fanned out to subscribers.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const EventQueueUpdated = "queue.updated"

func New(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log,
	}
}

// ChannelKey names the broadcast channel for a department.
func ChannelKey(departmentID string) string {
	return "dept-" + departmentID
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Join(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.channels[channel] = struct{}{}
}

func (h *Hub) Leave(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.channels, channel)
}

// Broadcast delivers payload to every client joined to channel. Slow
// clients are skipped, not waited for.
func (h *Hub) Broadcast(channel string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if _, ok := client.channels[channel]; !ok {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.log.Warn().Str("client_id", client.ID).Str("channel", channel).Msg("drop message for slow client")
		}
	}
}

// Publish implements queue.Publisher. The snapshot is wrapped in an
// envelope and broadcast on the department's channel.
func (h *Hub) Publish(snapshot queue.Snapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal snapshot")
		return
	}
	payload, err := json.Marshal(Envelope{
		Type:      EventQueueUpdated,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal envelope")
		return
	}
	h.Broadcast(ChannelKey(snapshot.DepartmentID), payload)
}

func ParseControl(data []byte) (ControlMessage, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	if msg.Action != "join" && msg.Action != "leave" {
		return ControlMessage{}, false
	}
	if msg.DepartmentID == "" {
		return ControlMessage{}, false
	}
	return msg, true
}
