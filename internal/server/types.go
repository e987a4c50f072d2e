// Package server defines the events flowing from client sessions into the hub
// and small helpers shared by client and hub logic.
package server

import (
	"errors"
	"strings"
	"time"

	"github.com/Tyrowin/gochat-live/internal/identity"
)

var (
	// ErrCapacityOverflow marks a client whose outbound queue was full.
	ErrCapacityOverflow = errors.New("outbound queue full")
	// ErrHubStopped is returned when an event is submitted after shutdown.
	ErrHubStopped = errors.New("hub stopped")
)

// hubEvent is a state changing event. Every hubEvent is applied by the hub
// goroutine in the order it was received, which is the order all clients
// observe.
type hubEvent interface {
	sender() *Client
}

type connectEvent struct {
	client *Client
	// reclaim is the name carried by a verified session token, if any.
	reclaim string
}

type chatEvent struct {
	client *Client
	text   string
	at     time.Time
}

type privateEvent struct {
	client *Client
	to     string
	text   string
	at     time.Time
}

type renameEvent struct {
	client  *Client
	newName string
}

type styleEvent struct {
	client *Client
	style  identity.Style
}

// replyEvent carries a frame addressed to the sending client only, such as
// a validation error.
type replyEvent struct {
	client *Client
	frame  []byte
}

type disconnectEvent struct {
	client *Client
}

// typingEvent is not a hubEvent: typing notices travel on their own
// best-effort channel and carry no ordering guarantee.
type typingEvent struct {
	client   *Client
	isTyping bool
}

func (e connectEvent) sender() *Client    { return e.client }
func (e chatEvent) sender() *Client       { return e.client }
func (e privateEvent) sender() *Client    { return e.client }
func (e renameEvent) sender() *Client     { return e.client }
func (e styleEvent) sender() *Client      { return e.client }
func (e replyEvent) sender() *Client      { return e.client }
func (e disconnectEvent) sender() *Client { return e.client }

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
