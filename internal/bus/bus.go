// internal/bus/bus.go
package bus

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// 固定频道名
const (
	// ChannelGameState 游戏状态同步频道
	ChannelGameState = "game_state_sync"
	// ChannelChatSignal 聊天跨页信令频道（如验证码投递）
	ChannelChatSignal = "chat_signal"
)

// 聊天信令频道上的消息类型
const (
	MsgTypeChatReply        = "chat_reply"
	MsgTypeVerificationCode = "verification_code"
)

// Envelope 广播消息信封
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope 构建一个带当前时间戳的信封。
// payload 序列化失败时返回空载荷信封并记录日志。
func NewEnvelope(msgType string, payload interface{}) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("⚠️ 序列化广播载荷失败 (type=%s): %v", msgType, err)
		raw = nil
	}
	return Envelope{
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Handler 频道消息处理函数
type Handler func(msg Envelope)

// Bus 是单个上下文（一个标签页/一个进程内端点）持有的广播端点。
// Publish 尽力送达所有 *其他* 正在监听的同源上下文，发布者自身
// 不会收到自己的消息。投递至多一次；主备两条链路同时生效时，
// 同一逻辑更新可能被送达两次，接收方必须幂等应用。
type Bus interface {
	Publish(channel string, msg Envelope)
	Subscribe(channel string, handler Handler) (unsubscribe func())
}

// ---------------------------------------------------------------
// 进程内交换机：组合根与测试使用的端点实现

// LocalExchange 在同一进程内连接多个端点
type LocalExchange struct {
	mutex     sync.RWMutex
	endpoints map[*LocalBus]struct{}
}

// NewLocalExchange 创建进程内交换机
func NewLocalExchange() *LocalExchange {
	return &LocalExchange{
		endpoints: make(map[*LocalBus]struct{}),
	}
}

// Endpoint 为一个新上下文创建端点
func (x *LocalExchange) Endpoint() *LocalBus {
	ep := &LocalBus{
		exchange: x,
		handlers: make(map[string][]*localSubscription),
		inbox:    make(chan localDelivery, 64),
		done:     make(chan struct{}),
	}

	x.mutex.Lock()
	x.endpoints[ep] = struct{}{}
	x.mutex.Unlock()

	go ep.dispatch()

	return ep
}

// publish 向除 origin 外的所有端点投递
func (x *LocalExchange) publish(origin *LocalBus, channel string, msg Envelope) {
	x.mutex.RLock()
	targets := make([]*LocalBus, 0, len(x.endpoints))
	for ep := range x.endpoints {
		if ep != origin {
			targets = append(targets, ep)
		}
	}
	x.mutex.RUnlock()

	for _, ep := range targets {
		ep.deliver(channel, msg)
	}
}

func (x *LocalExchange) remove(ep *LocalBus) {
	x.mutex.Lock()
	delete(x.endpoints, ep)
	x.mutex.Unlock()
}

type localSubscription struct {
	handler Handler
}

type localDelivery struct {
	channel string
	msg     Envelope
}

// LocalBus 进程内端点。每个端点有独立的派发循环，
// 保证来自同一发布者的消息按发布顺序到达。
type LocalBus struct {
	exchange *LocalExchange
	mutex    sync.RWMutex
	handlers map[string][]*localSubscription
	inbox    chan localDelivery
	done     chan struct{}
	closed   sync.Once
}

// Publish 实现 Bus 接口
func (b *LocalBus) Publish(channel string, msg Envelope) {
	b.exchange.publish(b, channel, msg)
}

// Subscribe 实现 Bus 接口
func (b *LocalBus) Subscribe(channel string, handler Handler) func() {
	sub := &localSubscription{handler: handler}

	b.mutex.Lock()
	b.handlers[channel] = append(b.handlers[channel], sub)
	b.mutex.Unlock()

	return func() {
		b.mutex.Lock()
		defer b.mutex.Unlock()

		subs := b.handlers[channel]
		for i, s := range subs {
			if s == sub {
				b.handlers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close 注销端点并停止派发
func (b *LocalBus) Close() {
	b.closed.Do(func() {
		b.exchange.remove(b)
		close(b.done)
	})
}

// deliver 入队一条待派发消息。队列满时丢弃（尽力送达）。
func (b *LocalBus) deliver(channel string, msg Envelope) {
	select {
	case b.inbox <- localDelivery{channel: channel, msg: msg}:
	case <-b.done:
	default:
		log.Printf("⚠️ 端点消息队列已满，频道 %s 的消息被丢弃", channel)
	}
}

// dispatch 端点派发循环
func (b *LocalBus) dispatch() {
	for {
		select {
		case d := <-b.inbox:
			b.mutex.RLock()
			subs := make([]*localSubscription, len(b.handlers[d.channel]))
			copy(subs, b.handlers[d.channel])
			b.mutex.RUnlock()

			for _, sub := range subs {
				sub.handler(d.msg)
			}
		case <-b.done:
			return
		}
	}
}
