// internal/api/handlers.go
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Corphon/zhangwei-case/internal/bus"
	"github.com/Corphon/zhangwei-case/internal/chat"
	"github.com/Corphon/zhangwei-case/internal/gamestate"
)

// Handler 把核心服务暴露给游戏页面的HTTP处理器
type Handler struct {
	stateStore  *gamestate.Store
	chatService *chat.Service
	hub         *bus.Hub
	resp        *ResponseHelper
}

// NewHandler 创建API处理器
func NewHandler(stateStore *gamestate.Store, chatService *chat.Service, hub *bus.Hub) *Handler {
	return &Handler{
		stateStore:  stateStore,
		chatService: chatService,
		hub:         hub,
		resp:        NewResponseHelper(),
	}
}

// GetStatus 服务健康状态
func (h *Handler) GetStatus(c *gin.Context) {
	data := gin.H{
		"status":   "ok",
		"hydrated": h.stateStore.Hydrated(),
	}
	if h.hub != nil {
		data["hub"] = h.hub.Status()
	}
	h.resp.Success(c, data)
}

// GetState 返回当前游戏状态
func (h *Handler) GetState(c *gin.Context) {
	h.resp.Success(c, gin.H{
		"state":    h.stateStore.GetState(),
		"hydrated": h.stateStore.Hydrated(),
	})
}

// statePatchRequest 状态部分更新的请求体
type statePatchRequest struct {
	NetworkStatus *string                `json:"network_status"`
	MessageCount  *int                   `json:"message_count"`
	IsHacked      *bool                  `json:"is_hacked"`
	Flags         map[string]interface{} `json:"flags"`
}

// UpdateState 应用一个状态补丁
func (h *Handler) UpdateState(c *gin.Context) {
	var req statePatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.resp.BadRequest(c, "无法解析状态补丁")
		return
	}

	patch := gamestate.Patch{
		MessageCount: req.MessageCount,
		IsHacked:     req.IsHacked,
		Flags:        req.Flags,
	}
	if req.NetworkStatus != nil {
		status := gamestate.NetworkStatus(*req.NetworkStatus)
		if status != gamestate.NetworkOnline && status != gamestate.NetworkOffline {
			h.resp.BadRequest(c, "无效的网络状态: "+*req.NetworkStatus)
			return
		}
		patch.NetworkStatus = &status
	}

	newState := h.stateStore.Update(patch)
	h.resp.Success(c, gin.H{"state": newState})
}

// ResetState 恢复默认游戏状态
func (h *Handler) ResetState(c *gin.Context) {
	h.stateStore.Reset()
	h.resp.Success(c, gin.H{"state": h.stateStore.GetState()}, "状态已重置")
}

// GetChatSession 返回一个会话的当前状态
func (h *Handler) GetChatSession(c *gin.Context) {
	chatID := c.Param("chatId")
	if chatID == "" {
		h.resp.BadRequest(c, "会话ID缺失")
		return
	}

	mgr := h.chatService.Manager(chatID)

	data := gin.H{
		"chat_id":     chatID,
		"messages":    mgr.Messages(),
		"summary":     mgr.Summary(),
		"state":       mgr.State().String(),
		"summarizing": mgr.Summarizing(),
		"initialized": h.chatService.IsInitialized(chatID),
	}
	if lastErr := mgr.LastError(); lastErr != nil {
		data["error"] = lastErr
	}

	h.resp.Success(c, data)
}

// chatMessageRequest 用户输入的请求体
type chatMessageRequest struct {
	Text string `json:"text"`
}

// PostChatMessage 接收一段用户输入（进入去抖批次）
func (h *Handler) PostChatMessage(c *gin.Context) {
	chatID := c.Param("chatId")
	if chatID == "" {
		h.resp.BadRequest(c, "会话ID缺失")
		return
	}

	var req chatMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		h.resp.BadRequest(c, "消息内容不能为空")
		return
	}

	mgr := h.chatService.Manager(chatID)
	mgr.AddMessage(req.Text)

	h.resp.Success(c, gin.H{
		"chat_id": chatID,
		"state":   mgr.State().String(),
	})
}

// ResetChatSession 清除会话并重新开始
func (h *Handler) ResetChatSession(c *gin.Context) {
	chatID := c.Param("chatId")
	if chatID == "" {
		h.resp.BadRequest(c, "会话ID缺失")
		return
	}

	h.chatService.Reset(chatID)
	h.resp.Success(c, gin.H{"chat_id": chatID}, "会话已重置")
}

// chatSignalRequest 带外信令（验证码）的请求体
type chatSignalRequest struct {
	Code string `json:"code"`
}

// PostChatSignal 把验证码投递进会话并通知所有页面
func (h *Handler) PostChatSignal(c *gin.Context) {
	chatID := c.Param("chatId")
	if chatID == "" {
		h.resp.BadRequest(c, "会话ID缺失")
		return
	}

	var req chatSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		h.resp.BadRequest(c, "验证码不能为空")
		return
	}

	h.chatService.Manager(chatID).DeliverNote("【验证码】" + req.Code)

	h.resp.Success(c, gin.H{"chat_id": chatID}, "验证码已投递")
}
