// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, runtime stats, and the built-in test page.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/process"
)

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the HTTP connection, and registers a
// new Client with the hub, which launches the pump goroutines. A valid
// session token in the "token" query parameter lets the client reclaim its
// previous name.
func WebSocketHandler(hub *Hub, log *slog.Logger) http.HandlerFunc {
	policy := newOriginPolicy(hub.Config().AllowedOrigins, log)
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.checkOrigin,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		var reclaim string
		if token := r.URL.Query().Get("token"); token != "" {
			claims, err := hub.signer.Verify(token)
			if err != nil {
				log.Debug("Ignoring session token", "addr", r.RemoteAddr, "err", err)
			} else {
				reclaim = claims.Name
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("WebSocket upgrade failed", "addr", r.RemoteAddr, "err", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr).WithReclaim(reclaim)
		if err := hub.Register(client); err != nil {
			log.Warn("Rejecting connection", "addr", r.RemoteAddr, "err", err)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = conn.Close()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// StatsResponse is the body served by the stats endpoint.
type StatsResponse struct {
	OnlineUsers     int    `json:"onlineUsers"`
	HistoryLength   int    `json:"historyLength"`
	HistoryCapacity int    `json:"historyCapacity"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
	MemoryRSSBytes  uint64 `json:"memoryRssBytes,omitempty"`
}

// StatsHandler reports hub counters and the process resident memory.
func StatsHandler(hub *Hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		stats := hub.Stats()
		resp := StatsResponse{
			OnlineUsers:     stats.OnlineUsers,
			HistoryLength:   stats.HistoryLength,
			HistoryCapacity: stats.HistoryCapacity,
			UptimeSeconds:   int64(stats.Uptime / time.Second),
		}
		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mem, err := proc.MemoryInfo(); err == nil {
				resp.MemoryRSSBytes = mem.RSS
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Error writing stats response", "err", err)
		}
	}
}

// TestPageHandler serves an HTML test page for exercising the chat protocol
// from a browser.
func TestPageHandler(log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := fmt.Fprint(w, testPageHTML); err != nil {
			log.Warn("Error writing HTML response", "err", err)
		}
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Live Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #layout { display: flex; gap: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            width: 500px;
            padding: 10px;
            overflow-y: scroll;
            background-color: #f9f9f9;
        }
        #users { border: 1px solid #ccc; width: 200px; padding: 10px; }
        #typing { height: 1.2em; color: gray; font-style: italic; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        img.avatar { width: 20px; height: 20px; vertical-align: middle; margin-right: 4px; }
    </style>
</head>
<body>
    <h1>GoChat Live Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="nameInput" placeholder="New name..." disabled>
        <button id="renameButton" onclick="rename()" disabled>Rename</button>
    </div>

    <div id="typing"></div>
    <div id="layout">
        <div id="messages"></div>
        <div id="users"></div>
    </div>

    <script>
        let ws = null;
        let me = null;
        let typingTimer = null;
        const typers = new Set();
        const messagesDiv = document.getElementById('messages');
        const usersDiv = document.getElementById('users');
        const typingDiv = document.getElementById('typing');
        const messageInput = document.getElementById('messageInput');
        const nameInput = document.getElementById('nameInput');
        const statusDiv = document.getElementById('status');

        function addLine(text, color, avatar) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            if (avatar) {
                const img = document.createElement('img');
                img.src = avatar;
                img.className = 'avatar';
                el.appendChild(img);
            }
            el.appendChild(document.createTextNode(text));
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function showChat(m) {
            const when = new Date(m.timestamp).toLocaleTimeString();
            const color = me && m.sender === me.username ? 'blue' : 'green';
            addLine('[' + when + '] ' + m.sender + ': ' + m.text, color, m.avatarId);
        }

        function showUsers(users) {
            usersDiv.textContent = '';
            users.forEach(function(u) {
                const el = document.createElement('div');
                el.textContent = u.username + (me && u.connectionId === me.connectionId ? ' (you)' : '');
                usersDiv.appendChild(el);
            });
        }

        function showTyping() {
            typingDiv.textContent = typers.size ? Array.from(typers).join(', ') + ' typing...' : '';
        }

        function handle(frame) {
            const d = frame.data || {};
            switch (frame.event) {
            case 'session':
                me = d;
                localStorage.setItem('gochatToken', d.token || '');
                addLine('You are ' + d.username, 'gray', d.avatar);
                break;
            case 'history_snapshot':
                (d.messages || []).forEach(showChat);
                break;
            case 'presence_list':
                showUsers(d.users || []);
                break;
            case 'chat_message':
                typers.delete(d.sender);
                showTyping();
                showChat(d);
                break;
            case 'private_message':
                addLine('(private) ' + d.from + ' -> ' + d.to + ': ' + d.text, 'purple', d.avatarId);
                break;
            case 'user_joined':
                addLine(d.user.username + ' joined');
                break;
            case 'user_left':
                typers.delete(d.user.username);
                showTyping();
                addLine(d.user.username + ' left');
                break;
            case 'user_renamed':
                if (me && d.connectionId === me.connectionId) { me.username = d.newName; }
                addLine(d.oldName + ' is now ' + d.newName);
                break;
            case 'typing_notice':
                if (d.isTyping) { typers.add(d.sender); } else { typers.delete(d.sender); }
                showTyping();
                break;
            case 'rename_rejected':
                addLine('Rename rejected: ' + d.reason, 'red');
                break;
            case 'throttled':
                addLine('Slow down, retry in ' + d.retryAfterMs + 'ms', 'red');
                break;
            case 'error':
                addLine('Error: ' + d.reason, 'red');
                break;
            }
        }

        function send(event, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            nameInput.disabled = !connected;
            document.getElementById('sendButton').disabled = !connected;
            document.getElementById('renameButton').disabled = !connected;
            document.getElementById('connectButton').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = localStorage.getItem('gochatToken');
            ws = new WebSocket(scheme + location.host + '/ws' + (token ? '?token=' + encodeURIComponent(token) : ''));
            ws.onopen = function() { updateStatus(true); };
            ws.onmessage = function(event) {
                event.data.split('\n').forEach(function(line) {
                    if (line) { handle(JSON.parse(line)); }
                });
            };
            ws.onclose = function() {
                addLine('Connection closed');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (!text) { return; }
            send('chat_message', {text: text});
            send('typing', {isTyping: false});
            messageInput.value = '';
        }

        function rename() {
            const name = nameInput.value.trim();
            if (name) { send('rename', {newName: name}); }
            nameInput.value = '';
        }

        messageInput.addEventListener('input', function() {
            send('typing', {isTyping: true});
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() { send('typing', {isTyping: false}); }, 2000);
        });
        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); }
        });
    </script>
</body>
</html>`
