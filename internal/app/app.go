// internal/app/app.go
package app

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/Corphon/zhangwei-case/internal/bus"
	"github.com/Corphon/zhangwei-case/internal/chat"
	"github.com/Corphon/zhangwei-case/internal/config"
	"github.com/Corphon/zhangwei-case/internal/di"
	"github.com/Corphon/zhangwei-case/internal/gamestate"
	"github.com/Corphon/zhangwei-case/internal/llm"
	"github.com/Corphon/zhangwei-case/internal/storage"
)

// InitServices 按依赖顺序初始化所有服务并注册进容器。
// 组合根在这里显式构造存储、广播链路与各个核心对象，
// 容器中不存在隐式的模块级单例。
func InitServices(cfg *config.Config) (*di.Container, error) {
	container := di.NewContainer()

	// 1. 持久化键值存储
	kv, err := storage.NewKVStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("初始化键值存储失败: %w", err)
	}
	container.Register("storage", kv)

	// 2. 广播链路：主链路为 WebSocket，按能力选择（不可用时
	// 回退到存储观察链路）
	var primary bus.Bus
	if cfg.RealtimeEnabled {
		hub := bus.NewHub()
		container.Register("hub", hub)
		primary = hub
	}

	b := bus.Detect(primary, kv)
	container.Register("bus", b)

	// 3. 游戏状态存储（构造时完成水合）
	stateStore := gamestate.NewStore(kv, b)
	container.Register("gamestate", stateStore)

	// 4. 补全客户端
	var client llm.Client
	if cfg.CompletionEndpoint != "" {
		client = llm.NewHTTPClient(cfg.CompletionEndpoint, cfg.RequestTimeout)
	} else {
		client = llm.NewUnavailableClient()
	}
	container.Register("llm", client)

	// 5. 聊天会话服务
	chatService := chat.NewService(kv, client, chat.Options{
		DebounceWindow: cfg.DebounceWindow,
		RequestTimeout: cfg.RequestTimeout,
	})
	container.Register("chat", chatService)

	// 助手回复到达时推送给所有页面上下文
	chatService.SetReplyHook(func(chatID string, msg llm.Message) {
		b.Publish(bus.ChannelChatSignal, bus.NewEnvelope(bus.MsgTypeChatReply, map[string]interface{}{
			"chat_id": chatID,
			"role":    msg.Role,
			"content": msg.Content,
		}))
	})

	// 页面发布的带外信令（验证码投递）写入对应会话
	b.Subscribe(bus.ChannelChatSignal, func(env bus.Envelope) {
		if env.Type != bus.MsgTypeVerificationCode {
			return
		}

		var payload struct {
			ChatID string `json:"chat_id"`
			Code   string `json:"code"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.ChatID == "" {
			log.Printf("⚠️ 无法解析验证码信令: %v", err)
			return
		}

		chatService.Manager(payload.ChatID).DeliverNote("【验证码】" + payload.Code)
	})

	log.Printf("✅ 服务初始化完成，共 %d 个服务", len(container.GetNames()))

	return container, nil
}

// Shutdown 按逆序释放容器中持有的资源
func Shutdown(container *di.Container) {
	if store, ok := container.Get("gamestate").(*gamestate.Store); ok && store != nil {
		store.Close()
	}
	if watcher, ok := container.Get("bus").(*bus.StorageWatchBus); ok && watcher != nil {
		watcher.Close()
	}
	if hub, ok := container.Get("hub").(*bus.Hub); ok && hub != nil {
		hub.Shutdown()
	}
	if kv, ok := container.Get("storage").(*storage.KVStore); ok && kv != nil {
		kv.Close()
	}
}
