package handler

import (
	"net/http"
	"quimicai-go/internal/service"
	"quimicai-go/pkg/log"
	"quimicai-go/pkg/token"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// EventsHandler 通过 WebSocket 向展示层推送 store 快照。
type EventsHandler struct {
	sessions   *service.SessionManager
	jwtManager *token.JWTManager
}

// NewEventsHandler 创建一个新的 EventsHandler。
func NewEventsHandler(sessions *service.SessionManager, jwtManager *token.JWTManager) *EventsHandler {
	return &EventsHandler{sessions: sessions, jwtManager: jwtManager}
}

type snapshotFrame struct {
	Type  string      `json:"type"`
	Event interface{} `json:"event,omitempty"`
	Data  interface{} `json:"data"`
}

// Handle 建立连接后先推送一次快照，之后每次 store 变更推送一次。
// 浏览器无法为 WebSocket 设置请求头，因此 token 放在路径中。
func (h *EventsHandler) Handle(c *gin.Context) {
	claims, err := h.jwtManager.VerifyToken(c.Param("token"))
	if err != nil {
		respondError(c, http.StatusUnauthorized, "invalid or expired session token")
		return
	}
	store, err := h.sessions.Open(c.Request.Context(), claims.SessionID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	events, cancel := store.Subscribe()
	defer cancel()

	// 读循环只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeFrame(conn, snapshotFrame{Type: "snapshot", Data: store.Snapshot()}); err != nil {
		log.Warnf("推送初始快照失败: %v", err)
		return
	}
	log.Infow("事件流已建立", "sessionId", claims.SessionID)

	for {
		select {
		case <-done:
			return
		case evt, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeFrame(conn, snapshotFrame{Type: "snapshot", Event: evt, Data: store.Snapshot()}); err != nil {
				log.Warnf("推送快照失败: %v", err)
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame snapshotFrame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(frame)
}
