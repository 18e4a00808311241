// internal/api/router.go
package api

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/zhangwei-case/internal/bus"
	"github.com/Corphon/zhangwei-case/internal/chat"
	"github.com/Corphon/zhangwei-case/internal/config"
	"github.com/Corphon/zhangwei-case/internal/di"
	"github.com/Corphon/zhangwei-case/internal/gamestate"
)

// SetupRouter 配置HTTP路由
func SetupRouter(cfg *config.Config, container *di.Container) (*gin.Engine, error) {
	// ✅ 只从容器获取服务，不再创建新实例
	stateStore, ok := container.Get("gamestate").(*gamestate.Store)
	if !ok {
		return nil, fmt.Errorf("游戏状态存储未正确初始化")
	}

	chatService, ok := container.Get("chat").(*chat.Service)
	if !ok {
		return nil, fmt.Errorf("聊天会话服务未正确初始化")
	}

	// 主广播链路可以按配置关闭，此时没有 WebSocket 接入点
	hub, _ := container.Get("hub").(*bus.Hub)

	handler := NewHandler(stateStore, chatService, hub)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(corsMiddleware())

	// WebSocket 接入
	if hub != nil {
		wsHandler := NewWebSocketHandler(hub)
		r.GET("/ws", wsHandler.ContextWebSocket)
	}

	api := r.Group("/api")
	{
		api.GET("/status", handler.GetStatus)

		api.GET("/state", handler.GetState)
		api.POST("/state", handler.UpdateState)
		api.POST("/state/reset", handler.ResetState)

		api.GET("/chat/:chatId", handler.GetChatSession)
		api.POST("/chat/:chatId/messages", handler.PostChatMessage)
		api.POST("/chat/:chatId/reset", handler.ResetChatSession)
		api.POST("/chat/:chatId/signal", handler.PostChatSignal)
	}

	return r, nil
}
