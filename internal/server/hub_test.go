package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

const frameTimeout = 2 * time.Second

// newTestHub starts a hub with throttling disabled unless mutate turns it on.
func newTestHub(t *testing.T, mutate func(*Config)) *Hub {
	t.Helper()
	cfg := NewConfig()
	cfg.RateLimit = RateLimitConfig{}
	if mutate != nil {
		mutate(cfg)
	}

	hub, err := NewHub(cfg, logs.GetLoggerFromLevel(slog.LevelDebug))
	require.NoError(t, err)
	go hub.Run()
	t.Cleanup(func() { _ = hub.Shutdown(time.Second) })
	return hub
}

// join registers a connection-less client and consumes its greeting.
func join(t *testing.T, hub *Hub) (*Client, protocol.Session) {
	t.Helper()
	c := NewClient(nil, hub, "test")
	require.NoError(t, hub.Register(c))

	var session protocol.Session
	decodeData(t, nextFrame(t, c, protocol.EventSession), &session)
	nextFrame(t, c, protocol.EventHistorySnapshot)
	nextFrame(t, c, protocol.EventPresenceList)
	return c, session
}

// nextFrame reads the next queued frame and requires it to carry event.
func nextFrame(t *testing.T, c *Client, event string) protocol.Envelope {
	t.Helper()
	env := readFrame(t, c)
	require.Equal(t, event, env.Event, "unexpected frame %s", env.Data)
	return env
}

func readFrame(t *testing.T, c *Client) protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		return env
	case <-time.After(frameTimeout):
		t.Fatal("timed out waiting for a frame")
	}
	return protocol.Envelope{}
}

// waitFor skips frames until one carries event.
func waitFor(t *testing.T, c *Client, event string) protocol.Envelope {
	t.Helper()
	for {
		if env := readFrame(t, c); env.Event == event {
			return env
		}
	}
}

// collectUntilChat returns the events received before the next chat_message
// whose text is marker.
func collectUntilChat(t *testing.T, c *Client, marker string) []string {
	t.Helper()
	var events []string
	for {
		env := readFrame(t, c)
		if env.Event == protocol.EventChatMessage {
			var msg protocol.ChatMessage
			decodeData(t, env, &msg)
			if msg.Text == marker {
				return events
			}
		}
		events = append(events, env.Event)
	}
}

func decodeData(t *testing.T, env protocol.Envelope, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func chatFrame(text string) []byte {
	return protocol.MustEncode(protocol.EventChatMessage, map[string]string{"text": text})
}

func requireClosed(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.After(frameTimeout)
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send queue was not closed")
		}
	}
}

func TestHub_JoinReceivesSessionHistoryAndPresence(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, aliceSession := join(t, hub)
	for i := 0; i < 5; i++ {
		alice.handleFrame(chatFrame(fmt.Sprintf("m%d", i)), time.Now())
		nextFrame(t, alice, protocol.EventChatMessage)
	}
	_, bobSession := join(t, hub)
	nextFrame(t, alice, protocol.EventUserJoined)
	nextFrame(t, alice, protocol.EventPresenceList)

	carol := NewClient(nil, hub, "test")
	req.NoError(hub.Register(carol))

	var session protocol.Session
	decodeData(t, nextFrame(t, carol, protocol.EventSession), &session)
	req.Equal(carol.ID(), session.ConnectionID)
	req.NotEmpty(session.Username)
	req.Contains(session.Avatar, "username=")
	req.NotEmpty(session.Token)

	var snapshot protocol.HistorySnapshot
	decodeData(t, nextFrame(t, carol, protocol.EventHistorySnapshot), &snapshot)
	req.Equal([]string{"m0", "m1", "m2", "m3", "m4"},
		lo.Map(snapshot.Messages, func(m protocol.ChatMessage, _ int) string { return m.Text }))

	var list protocol.PresenceList
	decodeData(t, nextFrame(t, carol, protocol.EventPresenceList), &list)
	req.Equal([]string{aliceSession.ConnectionID, bobSession.ConnectionID, carol.ID()},
		lo.Map(list.Users, func(u protocol.UserInfo, _ int) string { return u.ConnectionID }))

	var joined protocol.UserEvent
	decodeData(t, nextFrame(t, alice, protocol.EventUserJoined), &joined)
	req.Equal(session.Username, joined.User.Username)
	nextFrame(t, alice, protocol.EventPresenceList)
}

func TestHub_AllClientsObserveTheSameOrder(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i], _ = join(t, hub)
	}
	for i, c := range clients {
		// Drain join notices of later clients.
		for j := i + 1; j < len(clients); j++ {
			nextFrame(t, c, protocol.EventUserJoined)
			nextFrame(t, c, protocol.EventPresenceList)
		}
	}

	const perClient = 20
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c *Client) {
			defer wg.Done()
			for n := 0; n < perClient; n++ {
				c.handleFrame(chatFrame(fmt.Sprintf("c%d-%d", i, n)), time.Now())
			}
		}(i, c)
	}
	wg.Wait()

	sequences := make([][]protocol.ChatMessage, len(clients))
	for i, c := range clients {
		for n := 0; n < perClient*len(clients); n++ {
			var msg protocol.ChatMessage
			decodeData(t, nextFrame(t, c, protocol.EventChatMessage), &msg)
			sequences[i] = append(sequences[i], msg)
		}
	}

	for i := 1; i < len(sequences); i++ {
		req.Equal(sequences[0], sequences[i])
	}
	for n := 1; n < len(sequences[0]); n++ {
		req.True(sequences[0][n].Timestamp.After(sequences[0][n-1].Timestamp))
	}
	messageID := func(m protocol.ChatMessage, _ int) string { return m.ID }
	req.Equal(lo.Map(sequences[0], messageID), lo.Map(hub.history.Snapshot(), messageID))
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, _ := join(t, hub)
	bob, bobSession := join(t, hub)
	nextFrame(t, alice, protocol.EventUserJoined)
	nextFrame(t, alice, protocol.EventPresenceList)

	bob.signalDisconnect()
	bob.signalDisconnect()
	req.NoError(hub.submit(disconnectEvent{client: bob}))
	alice.handleFrame(chatFrame("after"), time.Now())

	events := collectUntilChat(t, alice, "after")
	req.Equal([]string{protocol.EventUserLeft, protocol.EventPresenceList}, events)
	requireClosed(t, bob)

	_, online := hub.registry.Get(bobSession.ConnectionID)
	req.False(online)
	req.Equal(1, hub.Stats().OnlineUsers)
}

func TestHub_RateLimitThrottlesBurst(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, func(cfg *Config) {
		cfg.RateLimit.MinInterval = 500 * time.Millisecond
	})

	alice, _ := join(t, hub)
	start := time.Now()
	for i := 0; i < 10; i++ {
		alice.handleFrame(chatFrame(fmt.Sprintf("burst %d", i)), start.Add(time.Duration(i)*10*time.Millisecond))
	}

	var msg protocol.ChatMessage
	decodeData(t, nextFrame(t, alice, protocol.EventChatMessage), &msg)
	req.Equal("burst 0", msg.Text)
	for i := 1; i < 10; i++ {
		var throttled protocol.Throttled
		decodeData(t, nextFrame(t, alice, protocol.EventThrottled), &throttled)
		req.Positive(throttled.RetryAfterMs)
		req.LessOrEqual(throttled.RetryAfterMs, int64(500))
	}
	req.Equal(1, hub.history.Len())
}

func TestHub_RenameRules(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, aliceSession := join(t, hub)
	bob, _ := join(t, hub)
	nextFrame(t, alice, protocol.EventUserJoined)
	nextFrame(t, alice, protocol.EventPresenceList)

	taken := protocol.MustEncode(protocol.EventRename, map[string]string{"newName": aliceSession.Username})
	bob.handleFrame(taken, time.Now())
	var rejected protocol.RenameRejected
	decodeData(t, nextFrame(t, bob, protocol.EventRenameRejected), &rejected)
	req.Equal(protocol.ReasonNameTaken, rejected.Reason)

	alice.handleFrame(protocol.MustEncode(protocol.EventRename, map[string]string{"newName": "Neo"}), time.Now())
	for _, c := range []*Client{alice, bob} {
		var renamed protocol.UserRenamed
		decodeData(t, nextFrame(t, c, protocol.EventUserRenamed), &renamed)
		req.Equal(aliceSession.Username, renamed.OldName)
		req.Equal("Neo", renamed.NewName)
		req.Contains(renamed.AvatarID, "username=Neo")
		nextFrame(t, c, protocol.EventPresenceList)
	}

	// Same name again is a no-op.
	alice.handleFrame(protocol.MustEncode(protocol.EventRename, map[string]string{"newName": "Neo"}), time.Now())
	alice.handleFrame(chatFrame("marker"), time.Now())
	req.Empty(collectUntilChat(t, alice, "marker"))

	bob.handleFrame(protocol.MustEncode(protocol.EventRename, map[string]string{"newName": "neo"}), time.Now())
	decodeData(t, waitFor(t, bob, protocol.EventRenameRejected), &rejected)
	req.Equal(protocol.ReasonNameTaken, rejected.Reason)
}

func TestHub_AvatarStyleChange(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, session := join(t, hub)
	user, ok := hub.registry.Get(session.ConnectionID)
	req.True(ok)

	other := "boy"
	if user.Style == "boy" {
		other = "girl"
	}
	alice.handleFrame(protocol.MustEncode(protocol.EventAvatarStyle, map[string]string{"style": other}), time.Now())

	var updated protocol.AvatarUpdated
	decodeData(t, nextFrame(t, alice, protocol.EventAvatarUpdated), &updated)
	req.Contains(updated.AvatarID, "/public/"+other)
	nextFrame(t, alice, protocol.EventPresenceList)
}

func TestHub_FullQueueDropsClient(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	// slow never reads: three greeting frames plus one notice fill its queue.
	slow := NewClient(nil, hub, "slow")
	slow.send = make(chan []byte, 4)
	req.NoError(hub.Register(slow))

	alice := NewClient(nil, hub, "test")
	req.NoError(hub.Register(alice))
	nextFrame(t, alice, protocol.EventSession)
	nextFrame(t, alice, protocol.EventHistorySnapshot)

	var list protocol.PresenceList
	decodeData(t, nextFrame(t, alice, protocol.EventPresenceList), &list)
	req.Len(list.Users, 2)

	var left protocol.UserEvent
	decodeData(t, nextFrame(t, alice, protocol.EventUserLeft), &left)
	req.Equal(slow.ID(), left.User.ConnectionID)
	decodeData(t, nextFrame(t, alice, protocol.EventPresenceList), &list)
	req.Len(list.Users, 1)

	requireClosed(t, slow)
	req.Equal(1, hub.Stats().OnlineUsers)
}

func TestHub_TypingIsRelayedToOthers(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, aliceSession := join(t, hub)
	bob, _ := join(t, hub)

	alice.handleFrame(protocol.MustEncode(protocol.EventTyping, map[string]bool{"isTyping": true}), time.Now())

	var notice protocol.TypingNotice
	decodeData(t, waitFor(t, bob, protocol.EventTypingNotice), &notice)
	req.Equal(aliceSession.Username, notice.Sender)
	req.True(notice.IsTyping)

	alice.handleFrame(chatFrame("marker"), time.Now())
	req.NotContains(collectUntilChat(t, alice, "marker"), protocol.EventTypingNotice)
}

func TestHub_PrivateMessages(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, aliceSession := join(t, hub)
	bob, bobSession := join(t, hub)
	carol, _ := join(t, hub)

	dm := protocol.MustEncode(protocol.EventPrivateMessage, map[string]string{"to": bobSession.Username, "text": "psst"})
	alice.handleFrame(dm, time.Now())

	for _, c := range []*Client{alice, bob} {
		var msg protocol.PrivateMessage
		decodeData(t, waitFor(t, c, protocol.EventPrivateMessage), &msg)
		req.Equal(aliceSession.Username, msg.From)
		req.Equal(bobSession.Username, msg.To)
		req.Equal("psst", msg.Text)
	}

	alice.handleFrame(chatFrame("marker"), time.Now())
	req.NotContains(collectUntilChat(t, carol, "marker"), protocol.EventPrivateMessage)
	req.Equal(1, hub.history.Len())

	unknown := protocol.MustEncode(protocol.EventPrivateMessage, map[string]string{"to": "nobody", "text": "hi"})
	alice.handleFrame(unknown, time.Now())
	var notice protocol.ErrorNotice
	decodeData(t, waitFor(t, alice, protocol.EventError), &notice)
	req.Equal(protocol.ReasonUnknownUser, notice.Reason)
}

func TestHub_CensorsChatText(t *testing.T) {
	hub := newTestHub(t, func(cfg *Config) {
		cfg.CensoredWords = []string{"spam"}
	})

	alice, _ := join(t, hub)
	alice.handleFrame(chatFrame("buy spam now"), time.Now())

	var msg protocol.ChatMessage
	decodeData(t, nextFrame(t, alice, protocol.EventChatMessage), &msg)
	require.Equal(t, "buy **** now", msg.Text)
}

func TestHub_ReclaimsFreeName(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	first := NewClient(nil, hub, "test").WithReclaim("Morpheus")
	req.NoError(hub.Register(first))
	var session protocol.Session
	decodeData(t, nextFrame(t, first, protocol.EventSession), &session)
	req.Equal("Morpheus", session.Username)

	claims, err := hub.signer.Verify(session.Token)
	req.NoError(err)
	req.Equal("Morpheus", claims.Name)

	second := NewClient(nil, hub, "test").WithReclaim("morpheus")
	req.NoError(hub.Register(second))
	decodeData(t, nextFrame(t, second, protocol.EventSession), &session)
	req.NotEqual("morpheus", session.Username)
	req.NotEqual("Morpheus", session.Username)
}

func TestHub_InvalidFrames(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, func(cfg *Config) {
		cfg.MaxTextLength = 5
	})
	alice, _ := join(t, hub)

	tests := []struct {
		name   string
		frame  []byte
		event  string
		reason string
	}{
		{name: "malformed json", frame: []byte("{nope"), event: protocol.EventError, reason: protocol.ReasonMalformed},
		{name: "unknown event", frame: protocol.MustEncode("dance", nil), event: protocol.EventError, reason: protocol.ReasonUnknownEvent},
		{name: "text too long", frame: chatFrame("far too long"), event: protocol.EventError, reason: protocol.ReasonMessageTooLong},
		{name: "invalid name", frame: protocol.MustEncode(protocol.EventRename, map[string]string{"newName": "bad\nname"}), event: protocol.EventRenameRejected, reason: protocol.ReasonInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alice.handleFrame(tt.frame, time.Now())
			var notice protocol.ErrorNotice
			decodeData(t, nextFrame(t, alice, tt.event), &notice)
			require.Equal(t, tt.reason, notice.Reason)
		})
	}

	alice.handleFrame(chatFrame("   "), time.Now())
	alice.handleFrame(chatFrame("ok"), time.Now())
	req.Empty(collectUntilChat(t, alice, "ok"))
	req.Equal(1, hub.history.Len())
}

func TestHub_ShutdownClosesClientsAndRejectsRegistration(t *testing.T) {
	req := require.New(t)
	hub := newTestHub(t, nil)

	alice, _ := join(t, hub)
	req.NoError(hub.Shutdown(time.Second))

	requireClosed(t, alice)
	req.ErrorIs(hub.Register(NewClient(nil, hub, "late")), ErrHubStopped)
	req.Equal(0, hub.Stats().OnlineUsers)
}

func TestHub_ShutdownWithoutRunHonoursTimeout(t *testing.T) {
	req := require.New(t)
	hub, err := NewHub(NewConfig(), logs.GetLoggerFromLevel(slog.LevelDebug))
	req.NoError(err)

	start := time.Now()
	req.ErrorIs(hub.Shutdown(50*time.Millisecond), context.DeadlineExceeded)
	req.Less(time.Since(start), frameTimeout)
}

func TestHub_ShutdownClosesClientsStillQueued(t *testing.T) {
	req := require.New(t)
	hub, err := NewHub(NewConfig(), logs.GetLoggerFromLevel(slog.LevelDebug))
	req.NoError(err)

	// Queued while the loop is not consuming, so the connect is still
	// pending when shutdown begins.
	pending := NewClient(nil, hub, "pending")
	req.NoError(hub.Register(pending))

	hub.cancel()
	hub.shutdownClients()

	requireClosed(t, pending)
	req.Empty(hub.events)
	req.Equal(0, hub.Stats().OnlineUsers)
	req.ErrorIs(hub.Register(NewClient(nil, hub, "late")), ErrHubStopped)
}

func TestHub_StampIsStrictlyIncreasing(t *testing.T) {
	req := require.New(t)
	hub, err := NewHub(NewConfig(), logs.GetLoggerFromLevel(slog.LevelDebug))
	req.NoError(err)

	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }

	first := hub.stamp()
	second := hub.stamp()
	req.Equal(fixed, first)
	req.True(second.After(first))

	hub.now = func() time.Time { return fixed.Add(-time.Hour) }
	req.True(hub.stamp().After(second))
}
