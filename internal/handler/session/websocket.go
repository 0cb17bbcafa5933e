package session

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
	model "github.com/zhouzirui/freeze-detector/backend/internal/model/session"
	"github.com/zhouzirui/freeze-detector/backend/pkg/utils"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

// WatchHandler 以WebSocket或SSE推送会话快照，供监控端只读订阅
type WatchHandler struct {
	store    Store
	upgrader websocket.Upgrader
}

// NewWatchHandler 创建订阅处理器
func NewWatchHandler(store Store) *WatchHandler {
	return &WatchHandler{
		store: store,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes 注册订阅路由，r 已绑定 {sessionID}
func (h *WatchHandler) RegisterRoutes(r chi.Router) {
	r.Get("/watch", h.handleWebSocket)
	r.Get("/events", h.handleSSE)
}

type outgoingMessage struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Data      *model.Session `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// handleWebSocket 推送会话快照直到客户端断开
func (h *WatchHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	current, updates, cancel, err := h.store.Subscribe(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	logging.Infow("watcher connected", logging.SessionFields(current.ID)...)

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	// 读循环只处理控制帧，客户端断开时结束订阅
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logging.Debugw("watcher read error", "err", err)
				}
				return
			}
		}
	}()

	if !h.send(conn, "snapshot", current) {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Infow("watcher disconnected", logging.SessionFields(current.ID)...)
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if !h.send(conn, "update", snap) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WatchHandler) send(conn *websocket.Conn, kind string, s model.Session) bool {
	msg := outgoingMessage{
		Type:      kind,
		SessionID: s.ID,
		Data:      &s,
		Timestamp: time.Now().Unix(),
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		logging.Debugw("watcher write failed", "err", err)
		return false
	}
	return true
}

// handleSSE 以Server-Sent Events推送会话快照
func (h *WatchHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	current, updates, cancel, err := h.store.Subscribe(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := utils.SendSSEEvent(w, flusher, "session", current); err != nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := utils.SendSSEEvent(w, flusher, "session", snap); err != nil {
				logging.Debugw("sse write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
		}
	}
}
