package websocket

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/voltguard/voltguard/internal/metrics"
	"github.com/voltguard/voltguard/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// Client is one live subscriber session. The send channel is the
// bounded outbound queue; only writePump reads from it and only
// enqueue/sendEvent write to it.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string
	username string
	role     models.Role

	// send is never closed; done signals writePump to exit so that
	// concurrent publishers can keep enqueueing safely during teardown.
	send chan []byte
	done chan struct{}
	// lagged counts events dropped since the last lag notice.
	lagged atomic.Int64
	closed atomic.Bool
}

func newClient(h *Hub, conn *websocket.Conn, user *models.User) *Client {
	return &Client{
		hub:      h,
		conn:     conn,
		id:       uuid.NewString(),
		username: user.Username,
		role:     user.Role,
		send:     make(chan []byte, h.cfg.QueueDepth),
		done:     make(chan struct{}),
	}
}

// enqueue offers an event to the session without blocking the
// publisher. On a full queue the oldest pending event is discarded so
// the subscriber converges on recent state rather than stalling the
// feed.
func (c *Client) enqueue(data []byte) {
	if c.closed.Load() {
		return
	}
	for {
		select {
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
			c.lagged.Add(1)
			metrics.RecordEventsDropped(1)
		default:
		}
	}
}

func (c *Client) sendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("Failed to marshal event")
		return
	}
	c.enqueue(data)
}

// readPump consumes subscribe/unsubscribe/ping frames until the
// connection errors or goes idle past the hub timeout.
func (c *Client) readPump() {
	defer func() {
		c.closed.Store(true)
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.IdleTimeout))
		c.handleMessage(message)
	}
}

type inboundFrame struct {
	Type       string `json:"type"`
	BatteryID  string `json:"battery_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
}

func (c *Client) handleMessage(message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendError("Malformed message")
		return
	}

	switch frame.Type {
	case "subscribe_battery":
		if frame.BatteryID == "" {
			c.sendError("battery_id is required")
			return
		}
		if err := c.hub.subscribeBattery(c, frame.BatteryID); err != nil {
			c.sendError("Battery " + frame.BatteryID + " not found")
			return
		}
		c.sendEvent(Event{
			Type:      "subscribed",
			Data:      map[string]string{"type": "battery", "id": frame.BatteryID},
			Timestamp: nowStamp(),
		})
	case "unsubscribe_battery":
		c.hub.unsubscribeBattery(c, frame.BatteryID)
		c.sendEvent(Event{
			Type:      "unsubscribed",
			Data:      map[string]string{"type": "battery", "id": frame.BatteryID},
			Timestamp: nowStamp(),
		})
	case "subscribe_location":
		if frame.LocationID == "" {
			c.sendError("location_id is required")
			return
		}
		if err := c.hub.subscribeSite(c, frame.LocationID); err != nil {
			c.sendError("Location " + frame.LocationID + " not found")
			return
		}
		c.sendEvent(Event{
			Type:      "subscribed",
			Data:      map[string]string{"type": "location", "id": frame.LocationID},
			Timestamp: nowStamp(),
		})
	case "unsubscribe_location":
		c.hub.unsubscribeSite(c, frame.LocationID)
		c.sendEvent(Event{
			Type:      "unsubscribed",
			Data:      map[string]string{"type": "location", "id": frame.LocationID},
			Timestamp: nowStamp(),
		})
	case "ping":
		c.sendEvent(Event{
			Type:      "pong",
			Data:      map[string]string{"server_time": nowStamp()},
			Timestamp: nowStamp(),
		})
	default:
		c.sendError("Unknown message type: " + frame.Type)
	}
}

func (c *Client) sendError(detail string) {
	c.sendEvent(Event{
		Type:      "error",
		Data:      map[string]string{"detail": detail},
		Timestamp: nowStamp(),
	})
}

// writePump drains the queue onto the wire. When the session has
// dropped events since the last write, a lag notice precedes the next
// frame so the subscriber knows its view skipped ahead.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case data := <-c.send:
			if dropped := c.lagged.Swap(0); dropped > 0 {
				notice, err := json.Marshal(Event{
					Type:      "lag",
					Data:      map[string]int64{"dropped": dropped},
					Timestamp: nowStamp(),
				})
				if err == nil {
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, notice); err != nil {
						return
					}
				}
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

func (c *Client) closeGraceful() {
	c.hub.unregister(c)
}
