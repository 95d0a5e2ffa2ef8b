package websocket

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"playcode-backend/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tokenVerifier is satisfied by *middleware.JWTAuth.
type tokenVerifier interface {
	ParseUserID(token string) (uuid.UUID, error)
}

// Hub relays play-count updates to dashboards watching an activity. Updates
// arrive over Redis pub/sub so every replica sees completions recorded on any
// other replica.
type Hub struct {
	mu          sync.RWMutex
	connections map[uuid.UUID][]*websocket.Conn
	redisClient *redis.Client
	tokens      tokenVerifier
	cancelFuncs map[uuid.UUID]context.CancelFunc
	log         *zap.Logger
}

func NewHub(redisClient *redis.Client, tokens tokenVerifier, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		connections: make(map[uuid.UUID][]*websocket.Conn),
		redisClient: redisClient,
		tokens:      tokens,
		cancelFuncs: make(map[uuid.UUID]context.CancelFunc),
		log:         log.Named("ws"),
	}
}

// HandleWebSocket serves GET /api/v1/ws?token=...&activity_id=...
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a websocket handshake.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := h.tokens.ParseUserID(tokenStr); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	activityID, err := uuid.Parse(r.URL.Query().Get("activity_id"))
	if err != nil {
		http.Error(w, "activity_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.registerConnection(activityID, conn)

	// Keep connection alive and handle disconnect
	go func() {
		defer h.unregisterConnection(activityID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) registerConnection(activityID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.connections[activityID] = append(h.connections[activityID], conn)

	// One subscription per activity, started with its first watcher.
	if len(h.connections[activityID]) == 1 && h.redisClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancelFuncs[activityID] = cancel
		go h.subscribeToPubSub(ctx, activityID)
	}

	h.log.Debug("websocket connected",
		zap.Stringer("activity_id", activityID),
		zap.Int("watchers", len(h.connections[activityID])),
	)
}

func (h *Hub) unregisterConnection(activityID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn.Close()

	conns := h.connections[activityID]
	for i, c := range conns {
		if c == conn {
			h.connections[activityID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	if len(h.connections[activityID]) == 0 {
		delete(h.connections, activityID)
		if cancel, ok := h.cancelFuncs[activityID]; ok {
			cancel()
			delete(h.cancelFuncs, activityID)
		}
	}

	h.log.Debug("websocket disconnected", zap.Stringer("activity_id", activityID))
}

func (h *Hub) subscribeToPubSub(ctx context.Context, activityID uuid.UUID) {
	pubsub := h.redisClient.Subscribe(ctx, models.ActivityPlaysChannel(activityID))
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(activityID, []byte(msg.Payload))
		}
	}
}

func (h *Hub) broadcast(activityID uuid.UUID, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, conn := range h.connections[activityID] {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("websocket write failed", zap.Stringer("activity_id", activityID), zap.Error(err))
		}
	}
}

func (h *Hub) watcherCount(activityID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[activityID])
}

// Close drops every connection and subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for activityID, conns := range h.connections {
		for _, conn := range conns {
			conn.Close()
		}
		if cancel, ok := h.cancelFuncs[activityID]; ok {
			cancel()
		}
	}
	h.connections = make(map[uuid.UUID][]*websocket.Conn)
	h.cancelFuncs = make(map[uuid.UUID]context.CancelFunc)
}
