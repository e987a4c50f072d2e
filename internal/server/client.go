// Package server manages individual WebSocket clients, handling read/write
// pumps, frame decoding, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/identity"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client represents a WebSocket client connection in the chat system.
// The read pump turns frames into hub events; the write pump drains the
// bounded send queue that only the hub writes to.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	log            *slog.Logger
	maxMessageSize int64
	maxTextLength  int
	// limiter is only touched by the hub goroutine.
	limiter *ratelimit.State
	reclaim string
	// closed is only touched by the hub goroutine.
	closed         bool
	disconnectOnce sync.Once
}

// NewClient creates a new Client instance with the provided WebSocket connection,
// hub reference, and client address. The connection ID is assigned here and
// never changes.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.Config()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            hub,
		addr:           addr,
		log:            hub.log.With("conn_id", id, "addr", addr),
		maxMessageSize: cfg.MaxMessageSize,
		maxTextLength:  cfg.MaxTextLength,
		limiter:        ratelimit.New(cfg.RateLimit.Policy()),
	}
}

// ID returns the connection ID.
func (c *Client) ID() string {
	return c.id
}

// WithReclaim asks the hub to give the client name back to it on connect,
// if no one else holds it.
func (c *Client) WithReclaim(name string) *Client {
	c.reclaim = name
	return c
}

// signalDisconnect submits the client's disconnect once, however many close
// paths fire.
func (c *Client) signalDisconnect() {
	c.disconnectOnce.Do(func() {
		if err := c.hub.submit(disconnectEvent{client: c}); err != nil {
			c.log.Debug("Disconnect not submitted", "err", err)
		}
	})
}

// handleFrame decodes one inbound frame and forwards it to the hub. at is
// the arrival time used for rate limiting.
func (c *Client) handleFrame(raw []byte, at time.Time) {
	req, err := protocol.Decode(raw, c.maxTextLength)
	if err != nil {
		c.rejectFrame(req, err)
		return
	}

	var ev hubEvent
	switch r := req.(type) {
	case protocol.ChatRequest:
		ev = chatEvent{client: c, text: r.Text, at: at}
	case protocol.PrivateRequest:
		ev = privateEvent{client: c, to: r.To, text: r.Text, at: at}
	case protocol.RenameRequest:
		ev = renameEvent{client: c, newName: r.NewName}
	case protocol.AvatarStyleRequest:
		ev = styleEvent{client: c, style: identity.Style(r.Style)}
	case protocol.TypingRequest:
		c.hub.submitTyping(typingEvent{client: c, isTyping: r.IsTyping})
		return
	default:
		return
	}

	if err := c.hub.submit(ev); err != nil {
		c.log.Debug("Event not submitted", "event", req.EventName(), "err", err)
	}
}

// rejectFrame answers a frame that could not be decoded. Blank chat text is
// ignored without a reply.
func (c *Client) rejectFrame(req protocol.Request, err error) {
	c.log.Debug("Rejected frame", "err", err)

	reason := protocol.ReasonInvalid
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		reason = protocol.ReasonMalformed
	case errors.Is(err, protocol.ErrUnknownEvent):
		reason = protocol.ReasonUnknownEvent
	case errors.Is(err, protocol.ErrTextTooLong):
		reason = protocol.ReasonMessageTooLong
	}

	switch r := req.(type) {
	case protocol.ChatRequest:
		if r.Text == "" {
			return
		}
	case protocol.RenameRequest:
		c.reply(protocol.MustEncode(protocol.EventRenameRejected, protocol.RenameRejected{Reason: protocol.ReasonInvalid}))
		return
	}
	c.reply(protocol.MustEncode(protocol.EventError, protocol.ErrorNotice{Reason: reason}))
}

// reply routes a direct answer through the hub so the send queue keeps a
// single writer.
func (c *Client) reply(frame []byte) {
	if err := c.hub.submit(replyEvent{client: c, frame: frame}); err != nil {
		c.log.Debug("Reply not submitted", "err", err)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", "err", err)
		}
		return nil
	})
}

// handleReadError logs appropriate error messages based on the error type.
// Every read error ends the read loop.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("Message exceeded maximum size", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("Client disconnected", "err", err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", "err", err)
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("Unexpected WebSocket error", "err", err)
	default:
		c.log.Warn("WebSocket read error", "err", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.signalDisconnect()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("Error closing connection in readPump", "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		c.handleFrame(rawMessage, time.Now())
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
		// A failed write means the peer is gone even if the read side has
		// not noticed yet.
		c.signalDisconnect()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("Error closing connection in writePump", "err", err)
	}
}

// handleMessage processes outgoing messages and returns false if the connection should be closed
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", "err", err)
		return false
	}

	if !ok {
		return c.writeCloseMessage()
	}

	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close message to the client
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Debug("Error writing close message", "err", err)
	}
	return false
}

// writeTextMessage writes a message and any already queued ones into a
// single frame, separated by newlines.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Warn("Error creating writer", "err", err)
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.log.Warn("Error writing message", "err", err)
		return false
	}

	if !c.writeQueuedMessages(w) {
		return false
	}

	if err := w.Close(); err != nil {
		c.log.Warn("Error closing writer", "err", err)
		return false
	}
	return true
}

// writeQueuedMessages writes any additional queued messages
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn("Error writing newline", "err", err)
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.log.Warn("Error writing queued message", "err", err)
			return false
		}
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("Error setting write deadline for ping", "err", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Debug("Error writing ping message", "err", err)
		return false
	}
	return true
}
