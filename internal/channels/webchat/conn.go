package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solvia-ai/relay/internal/channels"
	"github.com/solvia-ai/relay/pkg/models"
)

// Frame types exchanged with the widget.
const (
	frameConnected       = "connected"
	frameAuth            = "auth"
	frameAuthSuccess     = "auth_success"
	frameMessage         = "message"
	frameMessageReceived = "message_received"
	framePing            = "ping"
	framePong            = "pong"
	frameError           = "error"
)

// frame is the JSON envelope for every widget exchange.
type frame struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	Token        string         `json:"token,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	MessageID    string         `json:"messageId,omitempty"`
	Content      string         `json:"content,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    string         `json:"timestamp,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

func marshalFrame(f frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return []byte(`{"type":"error","reason":"encode failure"}`)
	}
	return b
}

// conn is one widget socket. Reads happen on the caller goroutine,
// writes are serialized through the send channel, and done guards both
// against enqueue-after-close.
type conn struct {
	hub  *Hub
	ws   *websocket.Conn
	id   string
	send chan []byte
	done chan struct{}

	authed    atomic.Bool
	userID    string
	websiteID string
	flowID    string

	closeOnce sync.Once
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()

	c.enqueue(marshalFrame(frame{Type: frameConnected, ConnectionID: c.id}))

	authTimer := time.AfterFunc(c.hub.authTimeout, func() {
		if !c.authed.Load() {
			c.hub.logger.Info("webchat authentication timeout", "connection_id", c.id)
			c.closeWithCode(websocket.ClosePolicyViolation, "Authentication timeout")
		}
	})
	defer authTimer.Stop()

	c.readLoop()
}

func (c *conn) readLoop() {
	c.ws.SetReadLimit(maxPayloadBytes)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.classifyClose(err)
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.hub.logger.Debug("webchat frame rejected", "connection_id", c.id, "error", err)
			continue
		}
		switch f.Type {
		case frameAuth:
			c.handleAuth(f)
		case framePing:
			c.enqueue(marshalFrame(frame{Type: framePong}))
		case framePong:
		case frameMessage:
			c.handleMessage(f)
		default:
			c.hub.logger.Debug("webchat frame ignored", "connection_id", c.id, "type", f.Type)
		}
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, marshalFrame(frame{Type: framePing})); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) handleAuth(f frame) {
	if c.authed.Load() {
		return
	}
	claims, err := c.hub.auth.ValidateWebchatToken(f.Token)
	if err != nil {
		c.hub.logger.Info("webchat auth rejected", "connection_id", c.id, "error", err)
		c.closeWithCode(websocket.ClosePolicyViolation, "Invalid token")
		return
	}

	c.userID = channels.NormalizeUserID(claims.UserID)
	c.websiteID = claims.WebsiteID
	c.flowID = claims.FlowID
	c.authed.Store(true)
	c.hub.register(c)

	c.enqueue(marshalFrame(frame{Type: frameAuthSuccess, UserID: c.userID}))
	c.hub.logger.Debug("webchat authenticated",
		"connection_id", c.id,
		"user_id", c.userID,
		"channel_config_id", c.websiteID)

	if c.hub.shouldGreet(c.userID) {
		go c.sendGreeting()
	}
}

// sendGreeting resolves and pushes the first-contact greeting. The
// resolver returns false when the conversation already has history.
func (c *conn) sendGreeting() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	text, ok := c.hub.greeting(ctx, c.userID, c.websiteID, c.flowID)
	if !ok || text == "" {
		return
	}
	c.enqueue(marshalFrame(frame{
		Type:      frameMessage,
		Content:   text,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Metadata:  map[string]any{"greeting": true},
	}))
}

func (c *conn) handleMessage(f frame) {
	if !c.authed.Load() {
		c.hub.logger.Debug("webchat message before auth dropped", "connection_id", c.id)
		return
	}
	content := strings.TrimSpace(f.Content)
	if content == "" {
		return
	}

	c.enqueue(marshalFrame(frame{Type: frameMessageReceived, MessageID: f.MessageID}))

	msg := &models.NormalizedMessage{
		ChannelType:       models.ChannelWebchat,
		ChannelConfigID:   c.websiteID,
		UserID:            c.userID,
		Content:           content,
		OriginalMessageID: f.MessageID,
		Timestamp:         time.Now().UTC(),
		Metadata:          map[string]any{"connection_id": c.id},
	}
	if c.flowID != "" {
		msg.Metadata["flow_id"] = c.flowID
	}
	// The turn outlives this socket; processing must not stop when
	// the tab closes.
	go c.hub.sink(context.Background(), msg)
}

// enqueue hands a frame to the writer, reporting false when the
// connection is closed or the client cannot drain its buffer.
func (c *conn) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.close()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.hub.drop(c)
		_ = c.ws.Close()
	})
}

// classifyClose maps close codes to log levels: going away and normal
// closes are routine, 1006 after auth is a closed tab, the auth
// timeout's 1008 is expected, and protocol-level codes are real errors.
func (c *conn) classifyClose(err error) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		c.hub.logger.Debug("webchat read failed", "connection_id", c.id, "error", err)
		return
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		c.hub.logger.Debug("webchat connection closed", "connection_id", c.id, "code", ce.Code)
	case websocket.CloseAbnormalClosure:
		if c.authed.Load() {
			c.hub.logger.Debug("webchat user closed tab", "connection_id", c.id, "user_id", c.userID)
		} else {
			c.hub.logger.Debug("webchat connection dropped before auth", "connection_id", c.id)
		}
	case websocket.ClosePolicyViolation:
		c.hub.logger.Info("webchat connection closed by policy", "connection_id", c.id, "reason", ce.Text)
	case websocket.CloseProtocolError, websocket.CloseUnsupportedData,
		websocket.CloseMessageTooBig, websocket.CloseInternalServerErr:
		c.hub.logger.Error("webchat protocol error",
			"connection_id", c.id,
			"code", ce.Code,
			"reason", ce.Text)
	default:
		c.hub.logger.Debug("webchat connection closed", "connection_id", c.id, "code", ce.Code)
	}
}
