// Package server coordinates presence, chat history, and message fan-out for
// the chat WebSocket system via the Hub type.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-live/internal/history"
	"github.com/Tyrowin/gochat-live/internal/identity"
	"github.com/Tyrowin/gochat-live/internal/moderation"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/session"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	eventQueueSize  = 256
	typingQueueSize = 64
)

// Hub is the single serialization point of the chat. One goroutine (Run)
// owns the client set, applies every state changing event to the presence
// registry and the history buffer, and fans the result out to the clients'
// outbound queues. Sends never block: a client whose queue is full is
// dropped instead of stalling everyone else.
type Hub struct {
	cfg      Config
	log      *slog.Logger
	registry *presence.Registry
	history  *history.Buffer[protocol.ChatMessage]
	names    *identity.Generator
	signer   *session.Signer
	filter   *moderation.Filter

	events chan hubEvent
	typing chan typingEvent
	// submitMu lets shutdownClients wait out in-flight submits before it
	// drains the queue; stopped is set under it once draining starts.
	submitMu sync.RWMutex
	stopped  bool

	clients map[string]*Client
	mutex   sync.RWMutex
	// dropped holds clients that overflowed during the current event; they
	// are removed once the event has been fully fanned out.
	dropped []*Client

	now       func() time.Time
	lastStamp time.Time
	startedAt time.Time

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub ready to be started with Run.
func NewHub(cfg *Config, log *slog.Logger) (*Hub, error) {
	c := *cfg
	c.Sanitize()

	filter, err := moderation.NewFilter(c.CensoredWords, moderation.DefaultMask)
	if err != nil {
		return nil, fmt.Errorf("building word filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:       c,
		log:       log,
		registry:  presence.NewRegistry(),
		history:   history.New[protocol.ChatMessage](c.HistoryCapacity),
		names:     identity.NewGenerator(),
		signer:    session.NewSigner(c.SecretKey, c.SessionTokenTTL),
		filter:    filter,
		events:    make(chan hubEvent, eventQueueSize),
		typing:    make(chan typingEvent, typingQueueSize),
		clients:   make(map[string]*Client),
		now:       time.Now,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}, nil
}

// Register hands a freshly upgraded client to the hub. The hub answers with
// the session greeting, history and presence list, then starts the pumps.
func (h *Hub) Register(client *Client) error {
	if client == nil {
		return errors.New("nil client")
	}
	return h.submit(connectEvent{client: client, reclaim: client.reclaim})
}

// submit enqueues a state changing event. It only fails once the hub is
// shutting down.
func (h *Hub) submit(ev hubEvent) error {
	h.submitMu.RLock()
	defer h.submitMu.RUnlock()
	if h.stopped {
		return ErrHubStopped
	}
	select {
	case <-h.ctx.Done():
		return ErrHubStopped
	default:
	}
	select {
	case h.events <- ev:
		return nil
	case <-h.ctx.Done():
		return ErrHubStopped
	}
}

// submitTyping enqueues a typing notice, dropping it when the queue is full.
func (h *Hub) submitTyping(ev typingEvent) {
	select {
	case h.typing <- ev:
	default:
		h.log.Debug("Typing notice dropped", "conn_id", ev.client.id)
	}
}

// Run starts the hub's main event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case ev := <-h.events:
			h.handle(ev)
			h.flushDropped()

		case ev := <-h.typing:
			h.handleTyping(ev)
		}
	}
}

func (h *Hub) handle(ev hubEvent) {
	switch e := ev.(type) {
	case connectEvent:
		h.handleConnect(e)
	case chatEvent:
		h.handleChat(e)
	case privateEvent:
		h.handlePrivate(e)
	case renameEvent:
		h.handleRename(e)
	case styleEvent:
		h.handleStyle(e)
	case replyEvent:
		if _, ok := h.activeUser(e.client); ok {
			h.deliver(e.client, e.frame)
		}
	case disconnectEvent:
		h.removeClient(e.client, "disconnected")
	default:
		h.log.Error("Unknown hub event", "event", fmt.Sprintf("%T", ev))
	}
}

func (h *Hub) handleConnect(e connectEvent) {
	client := e.client

	// The registry is only written from this goroutine, so a name checked
	// here is still free when Add runs.
	name := e.reclaim
	if name == "" || !protocol.ValidDisplayName(name) || h.registry.Taken(name) {
		name = h.names.Name(h.registry)
	}

	user, err := h.registry.Add(presence.User{
		ConnectionID: client.id,
		Name:         name,
		Style:        identity.StyleFor(client.id),
		JoinedAt:     h.now().UTC(),
	})
	if err != nil {
		h.log.Error("Registering client failed", "conn_id", client.id, "err", err)
		h.abandon(client)
		return
	}

	h.mutex.Lock()
	h.clients[client.id] = client
	clientCount := len(h.clients)
	h.mutex.Unlock()

	token, err := h.signer.Issue(client.id, user.Name)
	if err != nil {
		h.log.Error("Issuing session token failed", "conn_id", client.id, "err", err)
	}

	// Greeting frames are queued before the pumps start so they are always
	// the first frames the client reads.
	h.deliver(client, protocol.MustEncode(protocol.EventSession, protocol.Session{
		ConnectionID: client.id,
		Username:     user.Name,
		Avatar:       user.Avatar,
		Token:        token,
	}))
	h.deliver(client, protocol.MustEncode(protocol.EventHistorySnapshot, protocol.HistorySnapshot{
		Messages: h.history.Snapshot(),
	}))
	presenceFrame := h.presenceFrame()
	h.deliver(client, presenceFrame)

	h.broadcast(protocol.MustEncode(protocol.EventUserJoined, protocol.UserEvent{User: userInfo(user)}), client)
	h.broadcast(presenceFrame, client)

	h.log.Info("Client registered", "conn_id", client.id, "user", user.Name, "addr", client.addr, "clients", clientCount)

	h.startPumps(client)
}

func (h *Hub) handleChat(e chatEvent) {
	client := e.client
	user, ok := h.activeUser(client)
	if !ok {
		return
	}

	if allowed, wait := client.limiter.Allow(e.at); !allowed {
		client.log.Debug("Rate limit exceeded; discarding message", "retry_after", wait)
		h.deliver(client, protocol.MustEncode(protocol.EventThrottled, protocol.Throttled{
			RetryAfterMs: wait.Milliseconds(),
		}))
		return
	}

	msg := protocol.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    user.Name,
		AvatarID:  user.Avatar,
		Text:      h.filter.Censor(e.text),
		Timestamp: h.stamp(),
	}
	h.history.Append(msg)
	h.broadcast(protocol.MustEncode(protocol.EventChatMessage, msg), nil)
}

func (h *Hub) handlePrivate(e privateEvent) {
	client := e.client
	user, ok := h.activeUser(client)
	if !ok {
		return
	}

	if allowed, wait := client.limiter.Allow(e.at); !allowed {
		h.deliver(client, protocol.MustEncode(protocol.EventThrottled, protocol.Throttled{
			RetryAfterMs: wait.Milliseconds(),
		}))
		return
	}

	target, ok := h.registry.LookupName(e.to)
	if !ok {
		h.deliver(client, protocol.MustEncode(protocol.EventError, protocol.ErrorNotice{Reason: protocol.ReasonUnknownUser}))
		return
	}

	frame := protocol.MustEncode(protocol.EventPrivateMessage, protocol.PrivateMessage{
		From:      user.Name,
		To:        target.Name,
		AvatarID:  user.Avatar,
		Text:      h.filter.Censor(e.text),
		Timestamp: h.stamp(),
	})
	h.mutex.RLock()
	recipient := h.clients[target.ConnectionID]
	h.mutex.RUnlock()
	if recipient != nil && recipient != client {
		h.deliver(recipient, frame)
	}
	h.deliver(client, frame)
}

func (h *Hub) handleRename(e renameEvent) {
	client := e.client
	if _, ok := h.activeUser(client); !ok {
		return
	}

	prev, next, err := h.registry.Rename(client.id, e.newName)
	switch {
	case errors.Is(err, presence.ErrNameConflict):
		h.deliver(client, protocol.MustEncode(protocol.EventRenameRejected, protocol.RenameRejected{
			Reason: protocol.ReasonNameTaken,
		}))
		return
	case err != nil:
		h.log.Error("Rename failed", "conn_id", client.id, "err", err)
		return
	case prev.Name == next.Name:
		return
	}

	h.log.Info("Username changed", "conn_id", client.id, "old", prev.Name, "new", next.Name)

	h.broadcast(protocol.MustEncode(protocol.EventUserRenamed, protocol.UserRenamed{
		ConnectionID: client.id,
		OldName:      prev.Name,
		NewName:      next.Name,
		AvatarID:     next.Avatar,
	}), nil)
	h.broadcast(h.presenceFrame(), nil)
}

func (h *Hub) handleStyle(e styleEvent) {
	client := e.client
	user, ok := h.activeUser(client)
	if !ok || user.Style == e.style {
		return
	}

	user, err := h.registry.SetStyle(client.id, e.style)
	if err != nil {
		h.log.Error("Avatar style change failed", "conn_id", client.id, "err", err)
		return
	}

	h.broadcast(protocol.MustEncode(protocol.EventAvatarUpdated, protocol.AvatarUpdated{
		ConnectionID: client.id,
		Username:     user.Name,
		AvatarID:     user.Avatar,
	}), nil)
	h.broadcast(h.presenceFrame(), nil)
}

// handleTyping relays a typing notice to everyone else. A full queue only
// loses the notice; it never costs the recipient its connection.
func (h *Hub) handleTyping(e typingEvent) {
	user, ok := h.activeUser(e.client)
	if !ok {
		return
	}

	frame := protocol.MustEncode(protocol.EventTypingNotice, protocol.TypingNotice{
		Sender:   user.Name,
		IsTyping: e.isTyping,
	})
	for _, client := range h.getClientSnapshot() {
		if client == e.client {
			continue
		}
		select {
		case client.send <- frame:
		default:
		}
	}
}

// activeUser returns the presence record of a registered client.
func (h *Hub) activeUser(client *Client) (presence.User, bool) {
	h.mutex.RLock()
	registered := h.clients[client.id] == client
	h.mutex.RUnlock()
	if !registered {
		return presence.User{}, false
	}
	return h.registry.Get(client.id)
}

// removeClient is the single disconnect path. It is idempotent: a client
// that is no longer registered is ignored, so duplicate close signals cause
// exactly one user_left and one presence_list broadcast.
func (h *Hub) removeClient(client *Client, reason string) bool {
	h.mutex.Lock()
	if current, ok := h.clients[client.id]; !ok || current != client {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client.id)
	client.closed = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	// Closing the queue makes the write pump send a close frame and exit.
	close(client.send)

	user, ok := h.registry.Remove(client.id)
	if !ok {
		return true
	}
	h.log.Info("Client unregistered", "conn_id", client.id, "user", user.Name, "reason", reason, "clients", clientCount)

	h.broadcast(protocol.MustEncode(protocol.EventUserLeft, protocol.UserEvent{User: userInfo(user)}), nil)
	h.broadcast(h.presenceFrame(), nil)
	return true
}

// flushDropped disconnects clients that overflowed. Removing one broadcasts
// a presence change, which may overflow others; the loop runs until no
// overflow is pending.
func (h *Hub) flushDropped() {
	for len(h.dropped) > 0 {
		client := h.dropped[0]
		h.dropped = h.dropped[1:]
		if h.removeClient(client, ErrCapacityOverflow.Error()) {
			h.log.Warn("Client removed due to full send buffer", "conn_id", client.id, "addr", client.addr)
		}
	}
	h.dropped = nil
}

// deliver queues message for one client without blocking. A full queue
// schedules the client for removal.
func (h *Hub) deliver(client *Client, message []byte) bool {
	if client.closed {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		if !client.closed && !lo.Contains(h.dropped, client) {
			h.dropped = append(h.dropped, client)
		}
		return false
	}
}

// broadcast delivers message to all registered clients except the given one.
func (h *Hub) broadcast(message []byte, except *Client) {
	for _, client := range h.getClientSnapshot() {
		if client == except {
			continue
		}
		h.deliver(client, message)
	}
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) presenceFrame() []byte {
	users := lo.Map(h.registry.List(), func(u presence.User, _ int) protocol.UserInfo {
		return userInfo(u)
	})
	return protocol.MustEncode(protocol.EventPresenceList, protocol.PresenceList{Users: users})
}

func userInfo(u presence.User) protocol.UserInfo {
	return protocol.UserInfo{
		ConnectionID: u.ConnectionID,
		Username:     u.Name,
		Avatar:       u.Avatar,
		JoinedAt:     u.JoinedAt,
	}
}

// stamp returns a server timestamp strictly after the previous one, so
// message timestamps follow the order in which the hub applied them.
func (h *Hub) stamp() time.Time {
	ts := h.now().UTC()
	if !ts.After(h.lastStamp) {
		ts = h.lastStamp.Add(time.Microsecond)
	}
	h.lastStamp = ts
	return ts
}

func (h *Hub) startPumps(client *Client) {
	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// abandon closes a client that never made it into the client set.
func (h *Hub) abandon(client *Client) {
	client.closed = true
	close(client.send)
	if client.conn != nil {
		_ = client.conn.Close()
	}
}

// discardPending empties the event queue once no submit can add to it and
// closes the connections of clients that were still waiting to be registered.
func (h *Hub) discardPending() int {
	abandoned := 0
	for {
		select {
		case ev := <-h.events:
			if e, ok := ev.(connectEvent); ok {
				h.abandon(e.client)
				abandoned++
			}
		default:
			return abandoned
		}
	}
}

// shutdownClients closes every outbound queue and connection. It runs on the
// hub goroutine after the loop stopped, so no event can race with it.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")

	h.submitMu.Lock()
	h.stopped = true
	h.submitMu.Unlock()
	if n := h.discardPending(); n > 0 {
		h.log.Info("Closed connections still waiting for registration", "clients", n)
	}

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, id)
		client.closed = true
	}
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		h.registry.Remove(client.id)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("Error closing client connection", "addr", client.addr, "err", err)
			}
		}
	}

	h.log.Info("Closed client connections", "clients", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached. A hub whose Run was never started always
// reaches the timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.cancel()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-h.done:
	case <-deadline.C:
		h.log.Warn("Hub shutdown timeout reached before the event loop stopped")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-deadline.C:
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

// Stats is a point in time view of the hub used by the stats endpoint.
type Stats struct {
	OnlineUsers     int
	HistoryLength   int
	HistoryCapacity int
	Uptime          time.Duration
}

func (h *Hub) Stats() Stats {
	return Stats{
		OnlineUsers:     h.registry.Len(),
		HistoryLength:   h.history.Len(),
		HistoryCapacity: h.history.Cap(),
		Uptime:          time.Since(h.startedAt),
	}
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config {
	return h.cfg
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
