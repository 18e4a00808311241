// internal/chat/session.go
package chat

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/zhangwei-case/internal/llm"
	"github.com/Corphon/zhangwei-case/internal/storage"
)

// 持久化键前缀
const sessionKeyPrefix = "chat_session_"

// 协议异常（响应缺少内容）时的占位回复
const protocolPlaceholder = "……"

// 摘要生成提示词
const summaryPrompt = "请把以下对话压缩成一段简短的中文摘要，" +
	"保留出场人物、已确认的事实和尚未解答的问题，只输出摘要本文。"

// State 会话状态机的状态
type State int

const (
	StateIdle State = iota
	StateDebouncing
	StateSending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDebouncing:
		return "debouncing"
	case StateSending:
		return "sending"
	default:
		return "unknown"
	}
}

// Session 一个会话的持久化形态
type Session struct {
	Messages []llm.Message `json:"messages"`
	Summary  string        `json:"summary"`
}

func (s Session) clone() Session {
	out := Session{Summary: s.Summary}
	out.Messages = append([]llm.Message(nil), s.Messages...)
	return out
}

// Options 会话管理器配置，零值字段使用默认值
type Options struct {
	DebounceWindow   time.Duration // 去抖窗口，默认 5000ms
	MaxRetained      int           // 留存消息上限，默认 10
	SummarizeAfter   int           // 触发摘要的留存消息数，默认 6
	KeepAfterSummary int           // 摘要后保留的最近消息数，默认 4
	ContentCap       int           // 发送时单条消息的字符上限，默认 100
	RequestTimeout   time.Duration // 远程请求超时，默认 30s
}

func (o Options) withDefaults() Options {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 5000 * time.Millisecond
	}
	if o.MaxRetained <= 0 {
		o.MaxRetained = 10
	}
	if o.SummarizeAfter <= 0 {
		o.SummarizeAfter = 6
	}
	if o.KeepAfterSummary <= 0 {
		o.KeepAfterSummary = 4
	}
	if o.ContentCap <= 0 {
		o.ContentCap = 100
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

// Manager 单个会话的管理器：把突发的用户输入去抖合并成
// 有节奏的对话轮次，维护滚动窗口 + 摘要，并按会话持久化。
//
// 状态机：Idle → AddMessage → Debouncing（窗口内重复调用重置
// 计时并累积待发批次）→ 窗口结束 → Sending（批次合并为一条
// 用户消息发往远程端点）→ 成功或失败 → Idle。摘要在旁路异步
// 进行，不阻塞新的用户输入；同一会话同时只有一次在途请求。
type Manager struct {
	kv     *storage.KVStore
	client llm.Client
	opts   Options

	mutex     sync.Mutex
	chatID    string
	persona   PersonaConfig
	session   Session
	pending   []string // 待发批次，仅存在于内存
	state     State
	sending   bool
	summarize bool // 摘要单飞标志
	lastErr   *llm.TransportError
	epoch     uint64 // Reset 递增，过期的在途结果按世代丢弃

	debouncer *Debouncer
	replyHook func(chatID string, msg llm.Message)
}

// NewManager 创建会话管理器并加载该会话的持久化状态
func NewManager(kv *storage.KVStore, client llm.Client, chatID string, opts Options) *Manager {
	m := &Manager{
		kv:     kv,
		client: client,
		opts:   opts.withDefaults(),
		state:  StateIdle,
	}
	m.debouncer = NewDebouncer(m.opts.DebounceWindow, m.flush)

	m.mutex.Lock()
	m.loadLocked(chatID)
	m.mutex.Unlock()

	return m
}

// loadLocked 切换到指定会话并重新加载其持久化状态
func (m *Manager) loadLocked(chatID string) {
	m.chatID = chatID
	m.persona = LookupPersona(chatID)
	m.session = Session{}
	m.kv.Get(sessionKeyPrefix+chatID, &m.session)
}

// ChatID 返回当前会话标识
func (m *Manager) ChatID() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.chatID
}

// State 返回状态机当前状态
func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// Summarizing 返回是否有摘要请求在途
func (m *Manager) Summarizing() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.summarize
}

// Messages 返回留存消息的副本
func (m *Manager) Messages() []llm.Message {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]llm.Message(nil), m.session.Messages...)
}

// Summary 返回当前摘要
func (m *Manager) Summary() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.session.Summary
}

// LastError 返回最近一次发送失败的分类错误，成功后清空
func (m *Manager) LastError() *llm.TransportError {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastErr
}

// ClearError 清除已展示的错误
func (m *Manager) ClearError() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.lastErr = nil
}

// SetReplyHook 注册助手回复到达时的通知回调
func (m *Manager) SetReplyHook(hook func(chatID string, msg llm.Message)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.replyHook = hook
}

// AddMessage 接收一段用户输入：累积进待发批次并重置去抖窗口
func (m *Manager) AddMessage(text string) {
	if text == "" {
		return
	}

	m.mutex.Lock()
	m.pending = append(m.pending, text)
	if m.state == StateIdle {
		m.state = StateDebouncing
	}
	m.mutex.Unlock()

	m.debouncer.Arm()
}

// DeliverNote 把一条带外文本（如跨页投递的验证码）作为助手
// 消息直接写入会话
func (m *Manager) DeliverNote(content string) {
	if content == "" {
		return
	}

	msg := llm.Message{Role: llm.RoleAssistant, Content: content}

	m.mutex.Lock()
	m.session.Messages = append(m.session.Messages, msg)
	m.evictLocked()
	m.persistLocked()
	hook := m.replyHook
	chatID := m.chatID
	m.mutex.Unlock()

	if hook != nil {
		hook(chatID, msg)
	}
}

// Reset 切换到新会话：取消计时器、清空待发批次与内存会话，
// 重新加载新会话的持久化状态。已在途的请求允许完成，
// 其结果按世代判定丢弃。
func (m *Manager) Reset(newChatID string) {
	m.debouncer.Cancel()

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.epoch++
	m.pending = nil
	m.sending = false
	m.summarize = false
	m.lastErr = nil
	m.state = StateIdle
	m.loadLocked(newChatID)
}

// flush 去抖窗口结束：合并批次并发起一次补全请求
func (m *Manager) flush() {
	m.mutex.Lock()

	if len(m.pending) == 0 {
		if m.state == StateDebouncing {
			m.state = StateIdle
		}
		m.mutex.Unlock()
		return
	}

	if m.sending {
		// 同一会话同时只允许一个在途请求，完成前重新计时
		m.mutex.Unlock()
		m.debouncer.Arm()
		return
	}

	batch := strings.Join(m.pending, "\n")
	m.pending = nil
	m.session.Messages = append(m.session.Messages, llm.Message{Role: llm.RoleUser, Content: batch})
	m.evictLocked()
	m.persistLocked()

	req := m.buildChatRequestLocked()
	m.sending = true
	m.state = StateSending
	epoch := m.epoch
	m.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	resp, err := m.client.Complete(ctx, req)

	m.mutex.Lock()
	if epoch != m.epoch {
		// 会话已重置，丢弃过期结果
		m.mutex.Unlock()
		return
	}

	m.sending = false
	m.state = StateIdle

	var reply llm.Message
	if err != nil {
		te := asTransportError(err)
		m.lastErr = te
		reply = llm.Message{Role: llm.RoleAssistant, Content: SelectFallback(batch, m.persona.ID)}
		log.Printf("⚠️ 会话 %s 补全失败 (status=%d): %s，使用兜底回复", m.chatID, te.Status, te.Message)
	} else {
		m.lastErr = nil
		content := resp.Content
		if content == "" {
			content = protocolPlaceholder
		}
		reply = llm.Message{Role: llm.RoleAssistant, Content: content}
	}

	m.session.Messages = append(m.session.Messages, reply)
	m.evictLocked()
	m.persistLocked()

	if err == nil && len(m.session.Messages) >= m.opts.SummarizeAfter && !m.summarize {
		m.summarize = true
		go m.runSummarize(m.session.clone(), epoch)
	}

	hook := m.replyHook
	chatID := m.chatID
	m.mutex.Unlock()

	if hook != nil {
		hook(chatID, reply)
	}
}

// buildChatRequestLocked 组装一次聊天补全请求：系统提示词
//（附带当前摘要）、可选的开场白、以及截断后的消息历史
func (m *Manager) buildChatRequestLocked() llm.CompletionRequest {
	system := m.persona.SystemPrompt
	if m.session.Summary != "" {
		system += "\n\n此前对话的摘要：" + m.session.Summary
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: system}}

	if m.persona.Greeting != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: m.persona.Greeting})
	}

	for _, msg := range m.session.Messages {
		msgs = append(msgs, llm.Message{
			Role:    msg.Role,
			Content: truncate(msg.Content, m.opts.ContentCap),
		})
	}

	return llm.CompletionRequest{Messages: msgs, Purpose: llm.PurposeChat}
}

// runSummarize 旁路摘要：发送完整消息记录（含已有摘要），
// 成功则替换摘要并裁剪留存消息，失败时保持原状。
// 同一会话同时只允许一次摘要在途，并发触发被静默丢弃。
func (m *Manager) runSummarize(snapshot Session, epoch uint64) {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: summaryPrompt}}
	if snapshot.Summary != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: "已有摘要：" + snapshot.Summary})
	}
	msgs = append(msgs, snapshot.Messages...)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()

	resp, err := m.client.Complete(ctx, llm.CompletionRequest{
		Messages: msgs,
		Purpose:  llm.PurposeSummarize,
	})

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.summarize = false

	if epoch != m.epoch {
		return
	}
	if err != nil || resp.Content == "" {
		log.Printf("⚠️ 会话 %s 摘要生成失败，保留原有摘要: %v", m.chatID, err)
		return
	}

	m.session.Summary = resp.Content
	if len(m.session.Messages) > m.opts.KeepAfterSummary {
		m.session.Messages = append([]llm.Message(nil),
			m.session.Messages[len(m.session.Messages)-m.opts.KeepAfterSummary:]...)
	}
	m.persistLocked()
}

// evictLocked 超出留存上限时从最早的消息开始淘汰
func (m *Manager) evictLocked() {
	if excess := len(m.session.Messages) - m.opts.MaxRetained; excess > 0 {
		m.session.Messages = append([]llm.Message(nil), m.session.Messages[excess:]...)
	}
}

// persistLocked 持久化当前会话（存储失败对调用方是无操作）
func (m *Manager) persistLocked() {
	m.kv.Set(sessionKeyPrefix+m.chatID, m.session)
}

// asTransportError 把任意失败归一化为带状态码的传输错误
func asTransportError(err error) *llm.TransportError {
	var te *llm.TransportError
	if errors.As(err, &te) {
		return te
	}
	return &llm.TransportError{Status: 0, Message: llm.ClassifyStatus(0)}
}

// truncate 按字符（rune）截断内容以约束请求体大小
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
