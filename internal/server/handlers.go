// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, group history, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/gorelay/internal/relay"
	"github.com/Tyrowin/gorelay/internal/store"
)

const (
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500
	maxMemberRequestSize = 4096
)

var requestValidator = validator.New()

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// GroupStore reads group history and records group membership.
type GroupStore interface {
	ListByGroup(ctx context.Context, groupID string, limit int) ([]store.Message, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers serves the HTTP surface of the relay.
type Handlers struct {
	hub     *Hub
	groups  GroupStore
	pinger  Pinger
	logger  *zap.Logger
}

// NewHandlers wires the handlers to their collaborators. groups and pinger
// may be nil, which disables the group endpoints and store health checks.
func NewHandlers(hub *Hub, groups GroupStore, pinger Pinger, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{hub: hub, groups: groups, pinger: pinger, logger: logger.With(zap.String("component", "http"))}
}

// registrationFromQuery reads userId, userName and groupId query parameters.
// It returns nil when no userId is given so the client registers by frame.
func registrationFromQuery(r *http.Request) *relay.Registration {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("userId"))
	if userID == "" {
		return nil
	}
	var groups []string
	for _, value := range q["groupId"] {
		for _, id := range strings.Split(value, ",") {
			if id = strings.TrimSpace(id); id != "" {
				groups = append(groups, id)
			}
		}
	}
	return &relay.Registration{
		UserID:   userID,
		UserName: strings.TrimSpace(q.Get("userName")),
		GroupIDs: groups,
	}
}

// WebSocket upgrades the request and hands the connection to the hub.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	reg := registrationFromQuery(r)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr, reg)
	if !h.hub.Register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// Health reports that the process is up.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "gorelay server is running!")
}

// Healthz checks the message store.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("store health check failed", zap.Error(err))
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// GroupHistory returns the most recent messages of a group, oldest first.
func (h *Handlers) GroupHistory(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		http.Error(w, "group history is not available", http.StatusNotImplemented)
		return
	}
	groupID := strings.TrimSpace(r.PathValue("groupId"))
	if groupID == "" {
		http.Error(w, "groupId is required", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.groups.ListByGroup(r.Context(), groupID, limit)
	if err != nil {
		h.logger.Error("failed to list group history", zap.String("group", groupID), zap.Error(err))
		http.Error(w, "could not load messages", http.StatusInternalServerError)
		return
	}

	frames := make([]relay.MessageFrame, 0, len(msgs))
	for _, msg := range msgs {
		frames = append(frames, relay.NewMessageFrame(msg))
	}
	writeJSON(w, http.StatusOK, frames)
}

type memberRequest struct {
	GroupID string `json:"-" validate:"required,max=128"`
	UserID  string `json:"userId" validate:"required,max=128"`
}

// AddGroupMember records the userId of the JSON body as a member of the
// group. Adding an existing member succeeds without change.
func (h *Handlers) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	if h.groups == nil {
		http.Error(w, "group membership is not available", http.StatusNotImplemented)
		return
	}

	var req memberRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMemberRequestSize)).Decode(&req); err != nil {
		http.Error(w, "body must be a JSON object with a userId", http.StatusBadRequest)
		return
	}
	req.GroupID = strings.TrimSpace(r.PathValue("groupId"))
	req.UserID = strings.TrimSpace(req.UserID)
	if err := requestValidator.Struct(req); err != nil {
		http.Error(w, "groupId and userId are required and limited to 128 characters", http.StatusBadRequest)
		return
	}

	if err := h.groups.AddGroupMember(r.Context(), req.GroupID, req.UserID); err != nil {
		h.logger.Error("failed to add group member",
			zap.String("group", req.GroupID), zap.String("user", req.UserID), zap.Error(err))
		http.Error(w, "could not add member", http.StatusInternalServerError)
		return
	}
	h.logger.Info("group member added", zap.String("group", req.GroupID), zap.String("user", req.UserID))
	writeJSON(w, http.StatusCreated, map[string]string{"groupId": req.GroupID, "userId": req.UserID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("error writing JSON response", zap.Error(err))
	}
}

// TestPage serves an HTML page for exercising the relay from a browser.
func (h *Handlers) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		h.logger.Warn("error writing HTML response", zap.Error(err))
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>gorelay WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { width: 180px; padding: 5px; margin-right: 10px; }
        #messageInput { width: 300px; }
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
        .row { margin: 8px 0; }
    </style>
</head>
<body>
    <h1>gorelay WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div class="row">
        <input type="text" id="userInput" placeholder="user id">
        <input type="text" id="groupsInput" placeholder="groups (comma separated)">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div class="row">
        <input type="text" id="targetInput" placeholder="recipient id or #group" disabled>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const userInput = document.getElementById('userInput');
        const groupsInput = document.getElementById('groupsInput');
        const targetInput = document.getElementById('targetInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.margin = '5px 0';
            line.style.color = color;
            line.textContent = text;
            messagesDiv.appendChild(line);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            targetInput.disabled = !connected;
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            userInput.disabled = connected;
            groupsInput.disabled = connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const user = userInput.value.trim();
            if (!user) {
                addLine('enter a user id first', 'gray');
                return;
            }
            const params = new URLSearchParams({ userId: user });
            groupsInput.value.split(',').map(g => g.trim()).filter(Boolean)
                .forEach(g => params.append('groupId', g));
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + params.toString());

            ws.onopen = () => updateStatus(true);
            ws.onmessage = (event) => {
                const frame = JSON.parse(event.data);
                if (frame.type === 'message') {
                    const where = frame.groupId ? '#' + frame.groupId : 'direct';
                    addLine('[' + where + '] ' + (frame.senderName || frame.senderId) + ': ' + frame.content, 'green');
                } else if (frame.type === 'error') {
                    addLine('error: ' + frame.message, 'red');
                } else {
                    addLine(frame.message, 'gray');
                }
            };
            ws.onclose = () => {
                addLine('Connection closed', 'gray');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = () => addLine('Connection error', 'red');
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            const target = targetInput.value.trim();
            if (!content || !target || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const frame = { type: 'message', content: content };
            if (target.startsWith('#')) {
                frame.groupId = target.slice(1);
            } else {
                frame.recipientId = target;
            }
            ws.send(JSON.stringify(frame));
            addLine('You -> ' + target + ': ' + content, 'blue');
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', (e) => {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
