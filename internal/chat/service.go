// internal/chat/service.go
package chat

import (
	"sync"

	"github.com/Corphon/zhangwei-case/internal/llm"
	"github.com/Corphon/zhangwei-case/internal/storage"
)

// Service 按 chatId 管理会话管理器
type Service struct {
	kv     *storage.KVStore
	client llm.Client
	opts   Options

	mutex    sync.Mutex
	managers map[string]*Manager

	replyHook func(chatID string, msg llm.Message)
}

// NewService 创建会话服务
func NewService(kv *storage.KVStore, client llm.Client, opts Options) *Service {
	return &Service{
		kv:       kv,
		client:   client,
		opts:     opts,
		managers: make(map[string]*Manager),
	}
}

// SetReplyHook 为所有会话注册回复通知回调
func (s *Service) SetReplyHook(hook func(chatID string, msg llm.Message)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.replyHook = hook
	for _, m := range s.managers {
		m.SetReplyHook(hook)
	}
}

// Manager 返回指定会话的管理器，首次访问时创建
func (s *Service) Manager(chatID string) *Manager {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if m, ok := s.managers[chatID]; ok {
		return m
	}

	m := NewManager(s.kv, s.client, chatID, s.opts)
	if s.replyHook != nil {
		m.SetReplyHook(s.replyHook)
	}
	s.managers[chatID] = m
	return m
}

// IsInitialized 返回该会话在当前档案下是否已有持久化记录。
// 身份/会话胶水层只需要这个布尔信号。
func (s *Service) IsInitialized(chatID string) bool {
	return s.kv.Has(sessionKeyPrefix + chatID)
}

// Reset 清除会话的持久化记录并重置其管理器
func (s *Service) Reset(chatID string) {
	s.kv.Remove(sessionKeyPrefix + chatID)

	s.mutex.Lock()
	m, ok := s.managers[chatID]
	s.mutex.Unlock()

	if ok {
		m.Reset(chatID)
	}
}
