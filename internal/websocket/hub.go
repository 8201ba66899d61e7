// Package websocket implements the subscription hub: long-lived client
// sessions subscribing to battery and site rooms, with bounded
// per-subscriber queues and best-effort delivery in per-battery order.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voltguard/voltguard/internal/metrics"
	"github.com/voltguard/voltguard/internal/models"
)

// Close codes for policy rejections at the handshake.
const (
	CloseAuthFailure = 4401
	CloseForbidden   = 4403
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Event is the frame shape shared by both directions.
type Event struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// TokenResolver validates the access token presented at the handshake.
type TokenResolver interface {
	Resolve(ctx context.Context, accessToken string) (*models.User, error)
}

// MasterData resolves site/battery topology for room expansion.
type MasterData interface {
	BatteryIDsForSite(ctx context.Context, siteID string) ([]string, error)
	SiteIDForBattery(ctx context.Context, batteryID string) (string, error)
}

// Config for the hub.
type Config struct {
	QueueDepth  int           // per-subscriber outbound queue bound
	IdleTimeout time.Duration // close sessions silent longer than this
}

// Hub tracks live subscriber sessions and routes events to rooms.
// Routing tables hold session ids, never client pointers, so closing a
// session cannot leave dangling references.
type Hub struct {
	cfg      Config
	resolver TokenResolver
	master   MasterData

	mu       sync.RWMutex
	clients  map[string]*Client
	// batterySubs[batteryID] is the set of session ids subscribed to
	// that battery directly.
	batterySubs map[string]map[string]struct{}
	// siteSubs[siteID] is the set of session ids subscribed to the site.
	siteSubs map[string]map[string]struct{}
	// siteOf caches battery -> owning site; invalidated when master
	// data changes.
	siteOf map[string]string

	shutdown bool
}

// NewHub constructs the hub.
func NewHub(cfg Config, resolver TokenResolver, master MasterData) *Hub {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Hub{
		cfg:         cfg,
		resolver:    resolver,
		master:      master,
		clients:     make(map[string]*Client),
		batterySubs: make(map[string]map[string]struct{}),
		siteSubs:    make(map[string]map[string]struct{}),
		siteOf:      make(map[string]string),
	}
}

// HandleWebSocket upgrades the connection, authenticates the handshake
// token, and starts the session pumps. Tokens arrive via the Sec-
// WebSocket protocol-agnostic "token" query parameter or a bearer
// header.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.RLock()
	draining := h.shutdown
	h.mu.RUnlock()
	if draining {
		closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	token := bearerToken(r)
	user, err := h.resolver.Resolve(r.Context(), token)
	if err != nil {
		closeWith(conn, CloseAuthFailure, "authentication required")
		return
	}
	if !user.Role.CanOperate() {
		closeWith(conn, CloseForbidden, "Engineer access required")
		return
	}

	client := newClient(h, conn, user)
	h.register(client)

	client.sendEvent(Event{
		Type:      "connected",
		Data:      map[string]string{"message": "Connected to VoltGuard live feed"},
		Timestamp: nowStamp(),
	})

	go client.writePump()
	go client.readPump()
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	metrics.SetHubClients(count)
	log.Info().Str("client", c.id).Str("user", c.username).Msg("Subscriber connected")
}

// unregister removes the session from every routing table before the
// client record is recycled.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.id)
	for _, subs := range h.batterySubs {
		delete(subs, c.id)
	}
	for _, subs := range h.siteSubs {
		delete(subs, c.id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.closed.Store(true)
	close(c.done)
	metrics.SetHubClients(count)
	log.Info().Str("client", c.id).Str("user", c.username).Msg("Subscriber disconnected")
}

func (h *Hub) subscribeBattery(c *Client, batteryID string) error {
	// Confirm the battery exists so a typo surfaces as an error frame.
	if _, err := h.master.SiteIDForBattery(context.Background(), batteryID); err != nil {
		return err
	}

	h.mu.Lock()
	if h.batterySubs[batteryID] == nil {
		h.batterySubs[batteryID] = make(map[string]struct{})
	}
	h.batterySubs[batteryID][c.id] = struct{}{}
	h.mu.Unlock()
	return nil
}

func (h *Hub) unsubscribeBattery(c *Client, batteryID string) {
	h.mu.Lock()
	if subs := h.batterySubs[batteryID]; subs != nil {
		delete(subs, c.id)
	}
	h.mu.Unlock()
}

// subscribeSite registers the session for every battery owned by the
// site. The mapping is held as a site-level set; publishes consult the
// cached battery->site mapping, so batteries added later are picked up
// as soon as they publish.
func (h *Hub) subscribeSite(c *Client, siteID string) error {
	batteryIDs, err := h.master.BatteryIDsForSite(context.Background(), siteID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.siteSubs[siteID] == nil {
		h.siteSubs[siteID] = make(map[string]struct{})
	}
	h.siteSubs[siteID][c.id] = struct{}{}
	for _, id := range batteryIDs {
		h.siteOf[id] = siteID
	}
	h.mu.Unlock()
	return nil
}

func (h *Hub) unsubscribeSite(c *Client, siteID string) {
	h.mu.Lock()
	if subs := h.siteSubs[siteID]; subs != nil {
		delete(subs, c.id)
	}
	h.mu.Unlock()
}

// InvalidateTopology drops the cached battery->site mapping after
// master data changes; it is rebuilt lazily on the next publish.
func (h *Hub) InvalidateTopology() {
	h.mu.Lock()
	h.siteOf = make(map[string]string)
	h.mu.Unlock()
}

// PublishTelemetry fans a telemetry_update out to subscribers of the
// battery and of its owning site.
func (h *Hub) PublishTelemetry(sample models.TelemetrySample) {
	h.publishToBattery(sample.BatteryID, Event{
		Type: "telemetry_update",
		Data: map[string]any{
			"battery_id": sample.BatteryID,
			"data":       sample,
		},
		Timestamp: nowStamp(),
	})
}

// PublishStatus fans a battery_status_update out after the derived
// classification changes.
func (h *Hub) PublishStatus(batteryID string, status models.HealthStatus, sohPct float64) {
	h.publishToBattery(batteryID, Event{
		Type: "battery_status_update",
		Data: map[string]any{
			"battery_id": batteryID,
			"data": map[string]any{
				"status":  status,
				"soh_pct": sohPct,
			},
		},
		Timestamp: nowStamp(),
	})
}

// PublishAlert fans an alert transition out.
func (h *Hub) PublishAlert(alert *models.Alert) {
	eventType := "alert"
	if !alert.Open() {
		eventType = "alert_resolved"
	}
	h.publishToBattery(alert.BatteryID, Event{
		Type:      eventType,
		Data:      alert,
		Timestamp: nowStamp(),
	})
}

// publishToBattery enqueues the event for every session subscribed to
// the battery or to its owning site. The publish path never blocks on a
// slow subscriber: the per-client queue drops oldest on overflow.
func (h *Hub) publishToBattery(batteryID string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal hub event")
		return
	}

	siteID := h.siteForBattery(batteryID)

	h.mu.RLock()
	targets := make([]*Client, 0, 4)
	seen := make(map[string]struct{}, 4)
	for id := range h.batterySubs[batteryID] {
		if c, ok := h.clients[id]; ok {
			targets = append(targets, c)
			seen[id] = struct{}{}
		}
	}
	if siteID != "" {
		for id := range h.siteSubs[siteID] {
			if _, dup := seen[id]; dup {
				continue
			}
			if c, ok := h.clients[id]; ok {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// siteForBattery consults the cache, falling back to master data.
func (h *Hub) siteForBattery(batteryID string) string {
	h.mu.RLock()
	siteID, ok := h.siteOf[batteryID]
	h.mu.RUnlock()
	if ok {
		return siteID
	}

	resolved, err := h.master.SiteIDForBattery(context.Background(), batteryID)
	if err != nil {
		return ""
	}
	h.mu.Lock()
	h.siteOf[batteryID] = resolved
	h.mu.Unlock()
	return resolved
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every session with a going-away close code.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeGraceful()
	}
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
