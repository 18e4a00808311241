// internal/bus/hub.go
package bus

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wireFrame WebSocket 链路上的帧：频道名 + 信封
type wireFrame struct {
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Conn 定义 WebSocket 连接的接口
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Client 表示一个已连接的页面上下文
type Client struct {
	conn      Conn
	contextID string
	send      chan []byte
	closed    int32     // 原子操作标志，0=开启，1=关闭
	lastPing  time.Time // 最后一次ping时间
	createdAt time.Time // 创建时间
}

// Close 安全关闭客户端连接
func (client *Client) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// IsClosed 检查连接是否已关闭
func (client *Client) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后ping时间
func (client *Client) UpdatePing() {
	client.lastPing = time.Now()
}

// IsExpired 检查连接是否超时
func (client *Client) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}

	return time.Since(client.lastPing) > timeout
}

// Hub 主广播链路：管理所有页面上下文的 WebSocket 连接。
// Hub 自身同时充当服务端上下文的 Bus 端点——服务端发布的消息
// 送达所有已连接页面；页面发布的消息送达其他页面以及服务端的
// 订阅者，但不会回送给发布它的页面。
type Hub struct {
	clients       map[*Client]struct{}
	register      chan *Client
	unregister    chan *Client
	shutdown      chan struct{}
	mutex         sync.RWMutex
	pingTimeout   time.Duration
	cleanupTicker *time.Ticker

	handlerMutex sync.RWMutex
	handlers     map[string][]*localSubscription

	once sync.Once
}

// NewHub 创建并启动广播链路管理器
func NewHub() *Hub {
	h := &Hub{
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client, 256),
		unregister:  make(chan *Client, 256),
		shutdown:    make(chan struct{}),
		pingTimeout: 60 * time.Second,
		handlers:    make(map[string][]*localSubscription),
	}

	go h.run()

	return h
}

// run 运行管理器主循环
func (h *Hub) run() {
	h.cleanupTicker = time.NewTicker(30 * time.Second)
	defer h.cleanupTicker.Stop()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case <-h.cleanupTicker.C:
			h.cleanupExpiredConnections()

		case <-h.shutdown:
			h.closeAll()
			return
		}
	}
}

// Shutdown 优雅关闭管理器
func (h *Hub) Shutdown() {
	h.once.Do(func() {
		close(h.shutdown)
	})
}

// registerClient 注册新客户端
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		log.Printf("⚠️ 尝试注册 nil 客户端，忽略")
		return
	}

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	h.mutex.Unlock()

	client.UpdatePing()

	log.Printf("✅ 页面上下文已连接 (context: %s)", client.contextID)
}

// unregisterClient 安全注销客户端
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	delete(h.clients, client)
	h.mutex.Unlock()

	if !client.IsClosed() {
		client.Close()
	}

	log.Printf("🔌 页面上下文已断开 (context: %s)", client.contextID)
}

// cleanupExpiredConnections 清理过期和死连接
func (h *Hub) cleanupExpiredConnections() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if client.IsClosed() || client.IsExpired(h.pingTimeout) {
			delete(h.clients, client)
			if !client.IsClosed() {
				client.Close()
			}
		}
	}
}

// closeAll 关闭所有连接
func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	log.Println("🛑 正在关闭广播链路...")

	for client := range h.clients {
		client.Close()
	}

	h.clients = make(map[*Client]struct{})
}

// Publish 实现 Bus 接口：服务端上下文向所有页面广播
func (h *Hub) Publish(channel string, msg Envelope) {
	h.fanOut(channel, msg, nil)
}

// Subscribe 实现 Bus 接口：注册服务端对页面发布消息的处理函数
func (h *Hub) Subscribe(channel string, handler Handler) func() {
	sub := &localSubscription{handler: handler}

	h.handlerMutex.Lock()
	h.handlers[channel] = append(h.handlers[channel], sub)
	h.handlerMutex.Unlock()

	return func() {
		h.handlerMutex.Lock()
		defer h.handlerMutex.Unlock()

		subs := h.handlers[channel]
		for i, s := range subs {
			if s == sub {
				h.handlers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// fanOut 向除 origin 外的所有客户端发送帧
func (h *Hub) fanOut(channel string, msg Envelope, origin *Client) {
	frame := wireFrame{
		Channel:   channel,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("❌ 序列化广播帧失败: %v", err)
		return
	}

	h.mutex.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client != origin && !client.IsClosed() {
			targets = append(targets, client)
		}
	}
	h.mutex.RUnlock()

	if len(targets) > 0 {
		h.processBatch(targets, data)
	}
}

// processBatch 处理批量消息发送
func (h *Hub) processBatch(clients []*Client, message []byte) {
	failedCount := 0
	for _, client := range clients {
		if client.IsClosed() {
			continue
		}

		select {
		case client.send <- message:
			// 消息发送成功
		default:
			// 队列满，限制失败处理数量
			failedCount++
			if failedCount <= 5 { // 每批次最多处理5个失败连接
				go func(c *Client) {
					c.Close()
					select {
					case h.unregister <- c:
					case <-time.After(50 * time.Millisecond):
						// 超时放弃
					}
				}(client)
			} else {
				client.Close()
			}
		}
	}
}

// dispatchLocal 将页面发布的消息交给服务端订阅者
func (h *Hub) dispatchLocal(channel string, msg Envelope) {
	h.handlerMutex.RLock()
	subs := make([]*localSubscription, len(h.handlers[channel]))
	copy(subs, h.handlers[channel])
	h.handlerMutex.RUnlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
}

// Attach 接管一个已升级的 WebSocket 连接并阻塞处理其读写，
// 直到连接关闭。由 HTTP 层在升级成功后调用。
func (h *Hub) Attach(conn Conn, contextID string) {
	client := &Client{
		conn:      conn,
		contextID: contextID,
		send:      make(chan []byte, 256),
		lastPing:  time.Now(),
		createdAt: time.Now(),
	}

	select {
	case h.register <- client:
	default:
		log.Printf("❌ 无法注册页面上下文，注册通道已满")
		conn.Close()
		return
	}

	defer func() {
		select {
		case h.unregister <- client:
		case <-time.After(5 * time.Second):
			log.Printf("⚠️ 页面上下文注销超时 (context: %s)", contextID)
			client.Close()
		}
	}()

	go h.writePump(client)
	h.readPump(client)
}

// readPump 读取页面发布的帧并转发
func (h *Hub) readPump(client *Client) {
	client.conn.SetReadDeadline(time.Now().Add(h.pingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(h.pingTimeout))
		return nil
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️ 页面上下文读取错误 (context: %s): %v", client.contextID, err)
			}
			return
		}

		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(h.pingTimeout))

		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("⚠️ 无法解析页面帧 (context: %s): %v", client.contextID, err)
			continue
		}

		msg := Envelope{Type: frame.Type, Payload: frame.Payload, Timestamp: frame.Timestamp}

		// 先交给服务端订阅者，再转发其他页面；发布者自身不回送
		h.dispatchLocal(frame.Channel, msg)
		h.fanOut(frame.Channel, msg, client)
	}
}

// writePump 将待发送帧写入连接
func (h *Hub) writePump(client *Client) {
	pingTicker := time.NewTicker(h.pingTimeout / 3)
	defer pingTicker.Stop()

	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				return
			}

			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				client.Close()
				return
			}

		case <-pingTicker.C:
			client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		}
	}
}

// Status 返回链路状态快照
func (h *Hub) Status() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	contexts := make([]interface{}, 0)
	active := 0

	for client := range h.clients {
		if client != nil && !client.IsClosed() {
			active++
			contexts = append(contexts, map[string]interface{}{
				"context_id":   client.contextID,
				"connected_at": client.createdAt.Format(time.RFC3339),
				"last_ping":    client.lastPing.Format(time.RFC3339),
			})
		}
	}

	return map[string]interface{}{
		"total_connections": active,
		"contexts":          contexts,
	}
}
