package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// InboundMessage is the frame clients send over the socket
type InboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// OutboundMessage is the frame the daemon pushes to clients
type OutboundMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// wsClient is one connected socket bound to a user
type wsClient struct {
	id      string
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// WebSocket serves a /ws endpoint, routes inbound frames into lanes via
// the deliver callback, and pushes replies back to every socket the
// user has open.
type WebSocket struct {
	addr         string
	sharedSecret string
	deliver      DeliverFunc
	server       *http.Server
	upgrader     websocket.Upgrader
	logger       zerolog.Logger

	clients  map[string]*wsClient // by client id
	byUser   map[string]map[string]*wsClient
	mu       sync.RWMutex
	shutting bool
}

// WebSocketConfig holds transport configuration
type WebSocketConfig struct {
	Addr         string
	SharedSecret string
	Deliver      DeliverFunc
	Logger       zerolog.Logger
}

// NewWebSocket creates the WebSocket channel
func NewWebSocket(cfg WebSocketConfig) (*WebSocket, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Deliver == nil {
		return nil, fmt.Errorf("deliver callback is required")
	}

	return &WebSocket{
		addr:         cfg.Addr,
		sharedSecret: cfg.SharedSecret,
		deliver:      cfg.Deliver,
		logger:       cfg.Logger,
		clients:      make(map[string]*wsClient),
		byUser:       make(map[string]map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local daemon, no cross-origin surface
			},
		},
	}, nil
}

// Name returns the channel name
func (ws *WebSocket) Name() string {
	return "websocket"
}

// Start begins listening
func (ws *WebSocket) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	ws.server = &http.Server{
		Addr:    ws.addr,
		Handler: mux,
	}

	ws.logger.Info().Str("addr", ws.addr).Msg("Starting WebSocket channel")

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error().Err(err).Msg("WebSocket server error")
		}
	}()

	return nil
}

// Stop closes client connections and shuts the listener down
func (ws *WebSocket) Stop() error {
	ws.mu.Lock()
	ws.shutting = true
	clients := make([]*wsClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		clients = append(clients, c)
	}
	ws.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}

	if ws.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown websocket server: %w", err)
	}

	ws.logger.Info().Msg("WebSocket channel stopped")
	return nil
}

// Send pushes a reply to every open socket for the user. A user with no
// open sockets is not an error; the reply is already persisted in the
// session transcript.
func (ws *WebSocket) Send(ctx context.Context, userID, text string) error {
	ws.mu.RLock()
	conns := make([]*wsClient, 0, len(ws.byUser[userID]))
	for _, c := range ws.byUser[userID] {
		conns = append(conns, c)
	}
	ws.mu.RUnlock()

	msg := OutboundMessage{
		Type:      "reply",
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}

	for _, c := range conns {
		c.writeMu.Lock()
		err := c.conn.WriteJSON(msg)
		c.writeMu.Unlock()
		if err != nil {
			ws.logger.Warn().Err(err).Str("clientId", c.id).Str("user", userID).Msg("Failed to push reply")
		}
	}
	return nil
}

func (ws *WebSocket) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws.mu.RLock()
	shutting := ws.shutting
	ws.mu.RUnlock()
	if shutting {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if ws.sharedSecret != "" {
		secret := r.Header.Get("X-Aria-Secret")
		if secret == "" {
			secret = r.URL.Query().Get("secret")
		}
		if secret != ws.sharedSecret {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &wsClient{
		id:     clientID,
		userID: userID,
		conn:   conn,
	}

	ws.mu.Lock()
	ws.clients[clientID] = client
	if ws.byUser[userID] == nil {
		ws.byUser[userID] = make(map[string]*wsClient)
	}
	ws.byUser[userID][clientID] = client
	ws.mu.Unlock()

	ws.logger.Info().
		Str("clientId", clientID).
		Str("user", userID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go ws.readLoop(client)
}

// readLoop pumps inbound frames into the deliver callback
func (ws *WebSocket) readLoop(client *wsClient) {
	defer func() {
		client.conn.Close()
		ws.mu.Lock()
		delete(ws.clients, client.id)
		if peers := ws.byUser[client.userID]; peers != nil {
			delete(peers, client.id)
			if len(peers) == 0 {
				delete(ws.byUser, client.userID)
			}
		}
		ws.mu.Unlock()
		ws.logger.Info().Str("clientId", client.id).Msg("Client disconnected")
	}()

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				ws.logger.Error().Err(err).Str("clientId", client.id).Msg("WebSocket error")
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			ws.logger.Warn().Err(err).Str("clientId", client.id).Msg("Malformed inbound frame")
			continue
		}
		if msg.Type != "message" || msg.Text == "" {
			continue
		}

		if err := ws.deliver(context.Background(), client.userID, msg.Text); err != nil {
			ws.logger.Warn().Err(err).Str("user", client.userID).Msg("Failed to deliver inbound message")
			client.writeMu.Lock()
			_ = client.conn.WriteJSON(OutboundMessage{
				Type:      "error",
				Text:      err.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
			client.writeMu.Unlock()
		}
	}
}
