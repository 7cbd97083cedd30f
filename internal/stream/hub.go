package stream

import (
	"sort"
	"sync"

	"backend-runwith/internal/logging"
	"backend-runwith/internal/presence"

	"github.com/goccy/go-json"
)

// Hub fans messages out to websocket clients keyed by viewer.
type Hub struct {
	clients map[string]map[*Client]struct{}
	mu      sync.RWMutex
}

type Client struct {
	ViewerID string
	Send     chan []byte
}

func NewHub() *Hub {
	return &Hub{clients: map[string]map[*Client]struct{}{}}
}

func (h *Hub) Register(viewerID string) *Client {
	client := &Client{
		ViewerID: viewerID,
		Send:     make(chan []byte, 16),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[viewerID] == nil {
		h.clients[viewerID] = map[*Client]struct{}{}
	}
	h.clients[viewerID][client] = struct{}{}
	return client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	viewerClients, ok := h.clients[client.ViewerID]
	if !ok {
		return
	}
	if _, ok := viewerClients[client]; !ok {
		return
	}
	delete(viewerClients, client)
	if len(viewerClients) == 0 {
		delete(h.clients, client.ViewerID)
	}
	close(client.Send)
}

// Send delivers payload to every client of viewerID. Slow clients drop
// messages rather than block the sender.
func (h *Hub) Send(viewerID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[viewerID] {
		select {
		case client.Send <- payload:
		default:
		}
	}
}

// Viewers returns the ids with at least one connected client, sorted.
func (h *Hub) Viewers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PresenceView is the source of per-viewer presence snapshots.
type PresenceView interface {
	ViewList(localOwnerID string) []presence.ActiveSessionRecord
	Version() uint64
}

type PresenceMessage struct {
	Version uint64                         `json:"version"`
	Runners []presence.ActiveSessionRecord `json:"runners"`
}

func EncodePresence(view PresenceView, viewerID string) ([]byte, error) {
	return json.Marshal(PresenceMessage{Version: view.Version(), Runners: view.ViewList(viewerID)})
}

// PushPresence sends every connected viewer its current presence view.
// It is registered as a rebuild listener on presence.Sync.
func (h *Hub) PushPresence(view PresenceView) {
	for _, viewerID := range h.Viewers() {
		payload, err := EncodePresence(view, viewerID)
		if err != nil {
			logging.Error().Err(err).Str("viewer_id", viewerID).Msg("encode presence view")
			continue
		}
		h.Send(viewerID, payload)
	}
}
