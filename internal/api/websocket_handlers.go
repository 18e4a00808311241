// internal/api/websocket_handlers.go
package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Corphon/zhangwei-case/internal/bus"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 游戏页面来自同一部署域，放行所有来源
		return true
	},
}

// WebSocketHandler 处理页面上下文的 WebSocket 接入
type WebSocketHandler struct {
	hub *bus.Hub
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(hub *bus.Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// ContextWebSocket 把一个页面上下文接入广播链路
func (wh *WebSocketHandler) ContextWebSocket(c *gin.Context) {
	contextID := c.Query("context_id")
	if contextID == "" {
		contextID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("❌ WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	wh.hub.Attach(conn, contextID)
}
