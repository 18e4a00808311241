// internal/bus/storage_watch.go
package bus

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/zhangwei-case/internal/storage"
)

// 日志键与保留长度
const (
	journalKey     = "bus_journal"
	journalMaxSize = 64
)

// journalRecord 日志中的一条广播记录
type journalRecord struct {
	Seq       uint64          `json:"seq"`
	Origin    string          `json:"origin"`
	Channel   string          `json:"channel"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

type journalState struct {
	NextSeq uint64          `json:"next_seq"`
	Records []journalRecord `json:"records"`
}

// StorageWatchBus 备用广播链路：把消息追加到 KV 存储中的共享日志，
// 其他上下文轮询该日志取走新记录。保真度低于主链路（轮询延迟、
// 可能与主链路重复投递同一逻辑更新），接收方必须幂等应用。
type StorageWatchBus struct {
	kv       *storage.KVStore
	originID string

	mutex    sync.RWMutex
	handlers map[string][]*localSubscription

	pollInterval time.Duration
	lastSeen     uint64
	done         chan struct{}
	closeOnce    sync.Once
}

// NewStorageWatchBus 创建备用链路端点并启动轮询
func NewStorageWatchBus(kv *storage.KVStore, pollInterval time.Duration) *StorageWatchBus {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}

	b := &StorageWatchBus{
		kv:           kv,
		originID:     uuid.NewString(),
		handlers:     make(map[string][]*localSubscription),
		pollInterval: pollInterval,
		done:         make(chan struct{}),
	}

	// 从当前日志尾部开始观察，不回放历史记录
	var state journalState
	if kv.GetFresh(journalKey, &state) {
		b.lastSeen = state.NextSeq
	}

	go b.watch()

	return b
}

// Publish 实现 Bus 接口：追加记录到共享日志
func (b *StorageWatchBus) Publish(channel string, msg Envelope) {
	record := journalRecord{
		Origin:    b.originID,
		Channel:   channel,
		Type:      msg.Type,
		Payload:   msg.Payload,
		Timestamp: msg.Timestamp,
	}

	err := b.kv.Mutate(journalKey, func(raw json.RawMessage) (interface{}, error) {
		var state journalState
		if raw != nil {
			if err := json.Unmarshal(raw, &state); err != nil {
				// 日志损坏时重建
				log.Printf("⚠️ 广播日志损坏，重建: %v", err)
				state = journalState{}
			}
		}

		record.Seq = state.NextSeq
		state.NextSeq++
		state.Records = append(state.Records, record)

		if len(state.Records) > journalMaxSize {
			state.Records = state.Records[len(state.Records)-journalMaxSize:]
		}

		return state, nil
	})
	if err != nil {
		log.Printf("⚠️ 追加广播日志失败 (channel=%s): %v", channel, err)
	}
}

// Subscribe 实现 Bus 接口
func (b *StorageWatchBus) Subscribe(channel string, handler Handler) func() {
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

// Close 停止轮询
func (b *StorageWatchBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

// watch 轮询循环
func (b *StorageWatchBus) watch() {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.poll()
		case <-b.done:
			return
		}
	}
}

// poll 取走日志中尚未见过的记录并派发。
// 日志可能由持有独立缓存的其他存储实例写入，必须绕过缓存读取。
func (b *StorageWatchBus) poll() {
	var state journalState
	if !b.kv.GetFresh(journalKey, &state) {
		return
	}

	for _, record := range state.Records {
		if record.Seq < b.lastSeen {
			continue
		}
		b.lastSeen = record.Seq + 1

		// 发布者自身不接收自己的消息
		if record.Origin == b.originID {
			continue
		}

		b.dispatch(record.Channel, Envelope{
			Type:      record.Type,
			Payload:   record.Payload,
			Timestamp: record.Timestamp,
		})
	}
}

// Detect 在构造时按能力选择链路：主链路可用则用主链路，
// 否则回退到存储观察链路。
func Detect(primary Bus, kv *storage.KVStore) Bus {
	if primary != nil {
		return primary
	}
	log.Println("⚠️ 主广播链路不可用，回退到存储观察链路")
	return NewStorageWatchBus(kv, 0)
}

func (b *StorageWatchBus) dispatch(channel string, msg Envelope) {
	b.mutex.RLock()
	subs := make([]*localSubscription, len(b.handlers[channel]))
	copy(subs, b.handlers[channel])
	b.mutex.RUnlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
}
