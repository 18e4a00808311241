// internal/gamestate/store.go
package gamestate

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/Corphon/zhangwei-case/internal/bus"
	"github.com/Corphon/zhangwei-case/internal/storage"
)

// 持久化键与广播消息类型
const (
	stateKey         = "game_state"
	msgTypeStateSync = "state_sync"
)

// NetworkStatus 游戏内网络状态
type NetworkStatus string

const (
	NetworkOnline  NetworkStatus = "online"
	NetworkOffline NetworkStatus = "offline"
)

// GameState 单个玩家档案的游戏状态，在所有页面上下文间复制。
// 并发写入采用最后写入者胜出，不做冲突合并。
type GameState struct {
	NetworkStatus NetworkStatus          `json:"network_status"`
	MessageCount  int                    `json:"message_count"`
	IsHacked      bool                   `json:"is_hacked"`
	Flags         map[string]interface{} `json:"flags,omitempty"`
}

// DefaultState 返回首次加载时的默认状态
func DefaultState() GameState {
	return GameState{
		NetworkStatus: NetworkOnline,
		MessageCount:  0,
		IsHacked:      false,
		Flags:         map[string]interface{}{},
	}
}

// clone 深拷贝状态，避免调用方修改内部 Flags
func (g GameState) clone() GameState {
	out := g
	out.Flags = make(map[string]interface{}, len(g.Flags))
	for k, v := range g.Flags {
		out.Flags[k] = v
	}
	return out
}

// Patch 状态的部分更新。nil 字段保持原值，Flags 按键浅合并。
type Patch struct {
	NetworkStatus *NetworkStatus
	MessageCount  *int
	IsHacked      *bool
	Flags         map[string]interface{}
}

// Mutator 基于前一状态计算补丁
type Mutator func(prev GameState) Patch

// Store 游戏状态存储。每次成功更新依次执行：
// 浅合并计算新状态 → 持久化到 KV 存储 → 向固定频道广播。
// 接收到的广播以整体替换方式应用（幂等，可容忍重复投递）。
type Store struct {
	kv  *storage.KVStore
	bus bus.Bus

	mutex    sync.RWMutex
	state    GameState
	hydrated bool

	unsubscribe func()
	closeOnce   sync.Once
}

// NewStore 创建状态存储。构造时先从 KV 存储水合再接受更新。
func NewStore(kv *storage.KVStore, b bus.Bus) *Store {
	s := &Store{
		kv:    kv,
		bus:   b,
		state: DefaultState(),
	}

	// 水合：无持久化数据时保留默认值
	var persisted GameState
	if kv.Get(stateKey, &persisted) {
		if persisted.Flags == nil {
			persisted.Flags = map[string]interface{}{}
		}
		s.state = persisted
	}
	s.hydrated = true

	s.unsubscribe = b.Subscribe(bus.ChannelGameState, s.applyRemote)

	return s
}

// Close 取消频道订阅
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}

// Hydrated 返回存储是否已完成初始水合，
// UI 层据此区分"尚无数据"与"确认的默认状态"。
func (s *Store) Hydrated() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.hydrated
}

// GetState 返回当前状态的副本
func (s *Store) GetState() GameState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state.clone()
}

// Update 应用一个补丁并返回新状态
func (s *Store) Update(patch Patch) GameState {
	return s.UpdateWith(func(GameState) Patch { return patch })
}

// UpdateWith 基于前一状态计算补丁并应用。
// 本地写入在广播前同步完成，同一上下文内旧写不会覆盖新写。
func (s *Store) UpdateWith(fn Mutator) GameState {
	s.mutex.Lock()
	patch := fn(s.state.clone())
	next := merge(s.state, patch)
	s.state = next
	snapshot := next.clone()

	// 持久化与广播在锁内完成，保证本上下文内的写入顺序：
	// 旧的写入不会覆盖更新的写入（链路投递本身是异步的）
	s.kv.Set(stateKey, snapshot)
	s.bus.Publish(bus.ChannelGameState, bus.NewEnvelope(msgTypeStateSync, snapshot))
	s.mutex.Unlock()

	return snapshot
}

// Reset 恢复默认状态，持久化并广播
func (s *Store) Reset() {
	s.mutex.Lock()
	s.state = DefaultState()
	snapshot := s.state.clone()

	s.kv.Set(stateKey, snapshot)
	s.bus.Publish(bus.ChannelGameState, bus.NewEnvelope(msgTypeStateSync, snapshot))
	s.mutex.Unlock()
}

// applyRemote 应用其他上下文广播来的状态：无条件整体替换
func (s *Store) applyRemote(msg bus.Envelope) {
	if msg.Type != msgTypeStateSync {
		return
	}

	var incoming GameState
	if err := json.Unmarshal(msg.Payload, &incoming); err != nil {
		log.Printf("⚠️ 无法解析状态广播: %v", err)
		return
	}
	if incoming.Flags == nil {
		incoming.Flags = map[string]interface{}{}
	}

	s.mutex.Lock()
	s.state = incoming
	s.hydrated = true
	s.mutex.Unlock()
}

// merge 浅合并：补丁中非 nil 的字段覆盖原值，Flags 按键合并
func merge(prev GameState, patch Patch) GameState {
	next := prev.clone()

	if patch.NetworkStatus != nil {
		next.NetworkStatus = *patch.NetworkStatus
	}
	if patch.MessageCount != nil {
		next.MessageCount = *patch.MessageCount
	}
	if patch.IsHacked != nil {
		next.IsHacked = *patch.IsHacked
	}
	for k, v := range patch.Flags {
		next.Flags[k] = v
	}

	return next
}
