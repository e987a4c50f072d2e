// Command chatclient is a terminal client for the GoChat Live server.
//
// Lines typed on stdin are sent as chat messages; lines starting with a slash
// are commands:
//
//	/nick <name>          change display name
//	/dm <name> <text>     send a private message
//	/avatar <boy|girl>    switch avatar style
//	/typing <on|off>      announce typing state
//	/who                  list online users
//	/quit                 leave
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/olekukonko/tablewriter"
	"nhooyr.io/websocket"
)

// Config is read from the environment.
type Config struct {
	ServerURL string `envconfig:"CHAT_SERVER_URL" default:"ws://localhost:8080/ws"`
	Origin    string `envconfig:"CHAT_ORIGIN" default:"http://localhost:8080"`
	// CHAT_TOKEN reclaims the name of a previous session.
	Token   string `envconfig:"CHAT_TOKEN"`
	Colours bool   `envconfig:"CHAT_COLOURS" default:"true"`
	// CHAT_READ_LIMIT bounds one inbound frame. The greeting carries the
	// whole history and queued events are batched, so this sits far above
	// the library default of 32 KiB.
	ReadLimit int64 `envconfig:"CHAT_READ_LIMIT" default:"16777216"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	color.Enable = cfg.Colours

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	view := &terminal{}
	readErr := make(chan error, 1)
	go func() { readErr <- view.readLoop(ctx, conn) }()

	lines := make(chan string)
	go scanLines(lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			frame, quit := view.command(line)
			if quit {
				return nil
			}
			if frame == nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
		}
	}
}

// dial connects to the server and raises the read limit so the history
// snapshot fits in one frame.
func dial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	target := cfg.ServerURL
	if cfg.Token != "" {
		target += "?token=" + url.QueryEscape(cfg.Token)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{cfg.Origin}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.ServerURL, err)
	}
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	return conn, nil
}

func scanLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// terminal renders server events and remembers what /who needs.
type terminal struct {
	mu    sync.Mutex
	me    protocol.Session
	users []protocol.UserInfo
}

func (t *terminal) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		// The server batches queued events into one frame, one per line.
		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(line) == 0 {
				continue
			}
			var env protocol.Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				color.Red.Printf("unreadable frame: %v\n", err)
				continue
			}
			t.render(env)
		}
	}
}

func (t *terminal) render(env protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch env.Event {
	case protocol.EventSession:
		_ = json.Unmarshal(env.Data, &t.me)
		color.New(color.BgBlack, color.FgGreen).Printf("Connected as %s\n", t.me.Username)
		color.Gray.Printf("Reconnect with CHAT_TOKEN=%s to keep this name\n", t.me.Token)
	case protocol.EventHistorySnapshot:
		var snap protocol.HistorySnapshot
		_ = json.Unmarshal(env.Data, &snap)
		for _, m := range snap.Messages {
			t.printChat(m)
		}
	case protocol.EventPresenceList:
		var list protocol.PresenceList
		_ = json.Unmarshal(env.Data, &list)
		t.users = list.Users
	case protocol.EventChatMessage:
		var m protocol.ChatMessage
		_ = json.Unmarshal(env.Data, &m)
		t.printChat(m)
	case protocol.EventPrivateMessage:
		var m protocol.PrivateMessage
		_ = json.Unmarshal(env.Data, &m)
		color.Magenta.Printf("[%s] %s -> %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.From, m.To, m.Text)
	case protocol.EventUserJoined, protocol.EventUserLeft:
		var e protocol.UserEvent
		_ = json.Unmarshal(env.Data, &e)
		verb := "joined"
		if env.Event == protocol.EventUserLeft {
			verb = "left"
		}
		color.Gray.Printf("* %s %s\n", e.User.Username, verb)
	case protocol.EventUserRenamed:
		var e protocol.UserRenamed
		_ = json.Unmarshal(env.Data, &e)
		if e.ConnectionID == t.me.ConnectionID {
			t.me.Username = e.NewName
		}
		color.Gray.Printf("* %s is now %s\n", e.OldName, e.NewName)
	case protocol.EventAvatarUpdated:
		var e protocol.AvatarUpdated
		_ = json.Unmarshal(env.Data, &e)
		color.Gray.Printf("* %s changed avatar\n", e.Username)
	case protocol.EventTypingNotice:
		var e protocol.TypingNotice
		_ = json.Unmarshal(env.Data, &e)
		if e.IsTyping {
			color.Gray.Printf("* %s is typing...\n", e.Sender)
		}
	case protocol.EventRenameRejected, protocol.EventError:
		var e protocol.ErrorNotice
		_ = json.Unmarshal(env.Data, &e)
		color.Red.Printf("! %s: %s\n", env.Event, e.Reason)
	case protocol.EventThrottled:
		var e protocol.Throttled
		_ = json.Unmarshal(env.Data, &e)
		color.Yellow.Printf("! slow down, retry in %dms\n", e.RetryAfterMs)
	}
}

func (t *terminal) printChat(m protocol.ChatMessage) {
	name := color.Cyan.Sprint(m.Sender)
	if m.Sender == t.me.Username {
		name = color.Blue.Sprint(m.Sender)
	}
	fmt.Printf("[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), name, m.Text)
}

func (t *terminal) printUsers() {
	t.mu.Lock()
	defer t.mu.Unlock()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"User", "Since", "Connection"})
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, u := range t.users {
		name := u.Username
		if u.ConnectionID == t.me.ConnectionID {
			name += " (you)"
		}
		table.Append([]string{name, u.JoinedAt.Local().Format(time.Kitchen), u.ConnectionID})
	}
	table.Render()
}

// command turns an input line into an outbound frame. A nil frame means
// nothing is sent.
func (t *terminal) command(line string) (frame []byte, quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.MustEncode(protocol.EventChatMessage, protocol.ChatRequest{Text: line}), false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit":
		return nil, true
	case "/who":
		t.printUsers()
	case "/nick":
		if rest != "" {
			return protocol.MustEncode(protocol.EventRename, protocol.RenameRequest{NewName: rest}), false
		}
	case "/dm":
		to, text, ok := strings.Cut(rest, " ")
		if ok {
			return protocol.MustEncode(protocol.EventPrivateMessage, protocol.PrivateRequest{To: to, Text: text}), false
		}
	case "/avatar":
		return protocol.MustEncode(protocol.EventAvatarStyle, protocol.AvatarStyleRequest{Style: rest}), false
	case "/typing":
		return protocol.MustEncode(protocol.EventTyping, protocol.TypingRequest{IsTyping: rest != "off"}), false
	default:
		color.Red.Printf("unknown command %s\n", cmd)
	}
	return nil, false
}
