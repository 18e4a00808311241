// internal/bus/bus_test.go
package bus

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/zhangwei-case/internal/storage"
)

type recorder struct {
	mutex sync.Mutex
	msgs  []Envelope
}

func (r *recorder) handle(msg Envelope) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) received() []Envelope {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Envelope(nil), r.msgs...)
}

func TestLocalBusDeliversToOtherEndpoints(t *testing.T) {
	t.Parallel()

	exchange := NewLocalExchange()
	a := exchange.Endpoint()
	b := exchange.Endpoint()
	defer a.Close()
	defer b.Close()

	var rec recorder
	b.Subscribe(ChannelGameState, rec.handle)

	a.Publish(ChannelGameState, NewEnvelope("state_sync", map[string]bool{"is_hacked": true}))

	require.Eventually(t, func() bool {
		return len(rec.received()) == 1
	}, time.Second, 10*time.Millisecond)

	msg := rec.received()[0]
	assert.Equal(t, "state_sync", msg.Type)
	assert.NotZero(t, msg.Timestamp)
}

func TestLocalBusPublisherDoesNotReceiveOwnMessage(t *testing.T) {
	t.Parallel()

	exchange := NewLocalExchange()
	a := exchange.Endpoint()
	b := exchange.Endpoint()
	defer a.Close()
	defer b.Close()

	var recA, recB recorder
	a.Subscribe(ChannelGameState, recA.handle)
	b.Subscribe(ChannelGameState, recB.handle)

	a.Publish(ChannelGameState, NewEnvelope("state_sync", nil))

	require.Eventually(t, func() bool {
		return len(recB.received()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, recA.received())
}

func TestLocalBusOrderPreservedPerPublisher(t *testing.T) {
	t.Parallel()

	exchange := NewLocalExchange()
	a := exchange.Endpoint()
	b := exchange.Endpoint()
	defer a.Close()
	defer b.Close()

	var rec recorder
	b.Subscribe(ChannelGameState, rec.handle)

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(i)
		a.Publish(ChannelGameState, Envelope{Type: "state_sync", Payload: payload})
	}

	require.Eventually(t, func() bool {
		return len(rec.received()) == 5
	}, time.Second, 10*time.Millisecond)

	for i, msg := range rec.received() {
		var got int
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, i, got)
	}
}

func TestLocalBusUnsubscribe(t *testing.T) {
	t.Parallel()

	exchange := NewLocalExchange()
	a := exchange.Endpoint()
	b := exchange.Endpoint()
	defer a.Close()
	defer b.Close()

	var rec recorder
	unsubscribe := b.Subscribe(ChannelGameState, rec.handle)
	unsubscribe()

	a.Publish(ChannelGameState, NewEnvelope("state_sync", nil))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.received())
}

func TestLocalBusChannelsAreIsolated(t *testing.T) {
	t.Parallel()

	exchange := NewLocalExchange()
	a := exchange.Endpoint()
	b := exchange.Endpoint()
	defer a.Close()
	defer b.Close()

	var stateRec, chatRec recorder
	b.Subscribe(ChannelGameState, stateRec.handle)
	b.Subscribe(ChannelChatSignal, chatRec.handle)

	a.Publish(ChannelChatSignal, NewEnvelope(MsgTypeVerificationCode, map[string]string{"code": "7391"}))

	require.Eventually(t, func() bool {
		return len(chatRec.received()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, stateRec.received())
}

func TestStorageWatchBusDeliversAcrossContexts(t *testing.T) {
	t.Parallel()

	kv, err := storage.NewKVStore(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	a := NewStorageWatchBus(kv, 10*time.Millisecond)
	b := NewStorageWatchBus(kv, 10*time.Millisecond)
	defer a.Close()
	defer b.Close()

	var recA, recB recorder
	a.Subscribe(ChannelGameState, recA.handle)
	b.Subscribe(ChannelGameState, recB.handle)

	a.Publish(ChannelGameState, NewEnvelope("state_sync", map[string]bool{"is_hacked": true}))

	require.Eventually(t, func() bool {
		return len(recB.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// 发布者自身不接收自己的消息
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, recA.received())
}

func TestStorageWatchBusDeliversAcrossKVInstances(t *testing.T) {
	t.Parallel()

	// 多进程部署形态：每个上下文打开自己的存储实例（各自的缓存），
	// 共享同一数据目录。后续消息必须持续到达，不被读缓存挡住。
	dir := t.TempDir()

	kvA, err := storage.NewKVStore(dir)
	require.NoError(t, err)
	defer kvA.Close()

	kvB, err := storage.NewKVStore(dir)
	require.NoError(t, err)
	defer kvB.Close()

	a := NewStorageWatchBus(kvA, 10*time.Millisecond)
	b := NewStorageWatchBus(kvB, 10*time.Millisecond)
	defer a.Close()
	defer b.Close()

	var rec recorder
	b.Subscribe(ChannelGameState, rec.handle)

	a.Publish(ChannelGameState, NewEnvelope("state_sync", map[string]int{"message_count": 1}))
	require.Eventually(t, func() bool {
		return len(rec.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.Publish(ChannelGameState, NewEnvelope("state_sync", map[string]int{"message_count": 2}))
	require.Eventually(t, func() bool {
		return len(rec.received()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var payload map[string]int
	require.NoError(t, json.Unmarshal(rec.received()[1].Payload, &payload))
	assert.Equal(t, 2, payload["message_count"])
}

func TestStorageWatchBusSkipsHistoryOnJoin(t *testing.T) {
	t.Parallel()

	kv, err := storage.NewKVStore(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	a := NewStorageWatchBus(kv, 10*time.Millisecond)
	defer a.Close()
	a.Publish(ChannelGameState, NewEnvelope("state_sync", nil))

	// 晚加入的上下文从日志尾部开始观察，不回放历史
	late := NewStorageWatchBus(kv, 10*time.Millisecond)
	defer late.Close()

	var rec recorder
	late.Subscribe(ChannelGameState, rec.handle)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.received())

	a.Publish(ChannelGameState, NewEnvelope("state_sync", nil))
	require.Eventually(t, func() bool {
		return len(rec.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDetectPrefersPrimary(t *testing.T) {
	t.Parallel()

	kv, err := storage.NewKVStore(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	exchange := NewLocalExchange()
	primary := exchange.Endpoint()
	defer primary.Close()

	assert.Equal(t, Bus(primary), Detect(primary, kv))

	fallback := Detect(nil, kv)
	watcher, ok := fallback.(*StorageWatchBus)
	require.True(t, ok)
	watcher.Close()
}
