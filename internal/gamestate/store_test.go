// internal/gamestate/store_test.go
package gamestate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/zhangwei-case/internal/bus"
	"github.com/Corphon/zhangwei-case/internal/storage"
)

func newTestKV(t *testing.T) *storage.KVStore {
	t.Helper()

	kv, err := storage.NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	return kv
}

func TestStoreDefaultsWhenNothingPersisted(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	store := NewStore(kv, exchange.Endpoint())
	defer store.Close()

	assert.True(t, store.Hydrated())

	state := store.GetState()
	assert.Equal(t, NetworkOnline, state.NetworkStatus)
	assert.Zero(t, state.MessageCount)
	assert.False(t, state.IsHacked)
}

func TestStoreUpdateShallowMerge(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	store := NewStore(kv, exchange.Endpoint())
	defer store.Close()

	hacked := true
	state := store.Update(Patch{IsHacked: &hacked, Flags: map[string]interface{}{"found_blog": true}})

	assert.True(t, state.IsHacked)
	assert.Equal(t, NetworkOnline, state.NetworkStatus) // 未出现在补丁中的字段保持原值
	assert.Equal(t, true, state.Flags["found_blog"])

	offline := NetworkOffline
	state = store.Update(Patch{NetworkStatus: &offline})
	assert.Equal(t, NetworkOffline, state.NetworkStatus)
	assert.True(t, state.IsHacked)
	assert.Equal(t, true, state.Flags["found_blog"]) // Flags 按键合并
}

func TestStoreUpdateWithFunction(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	store := NewStore(kv, exchange.Endpoint())
	defer store.Close()

	for i := 0; i < 3; i++ {
		store.UpdateWith(func(prev GameState) Patch {
			next := prev.MessageCount + 1
			return Patch{MessageCount: &next}
		})
	}

	assert.Equal(t, 3, store.GetState().MessageCount)
}

func TestStoreRoundTripPersistence(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	store := NewStore(kv, exchange.Endpoint())
	hacked := true
	count := 5
	offline := NetworkOffline
	written := store.Update(Patch{
		NetworkStatus: &offline,
		MessageCount:  &count,
		IsHacked:      &hacked,
		Flags:         map[string]interface{}{"chapter": "2"},
	})
	store.Close()

	// 仅凭 KV 存储重建，得到完全相同的状态
	reloaded := NewStore(kv, exchange.Endpoint())
	defer reloaded.Close()

	assert.True(t, reloaded.Hydrated())
	assert.Equal(t, written, reloaded.GetState())
}

func TestStoreReset(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	store := NewStore(kv, exchange.Endpoint())
	defer store.Close()

	hacked := true
	store.Update(Patch{IsHacked: &hacked})
	store.Reset()

	assert.Equal(t, DefaultState(), store.GetState())

	// 重置后的默认状态也已持久化
	var persisted GameState
	require.True(t, kv.Get("game_state", &persisted))
	assert.False(t, persisted.IsHacked)
}

func TestStoreBroadcastConvergence(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	// 两个独立"标签页"：各自的端点，共享同一来源的存储
	tabA := NewStore(kv, exchange.Endpoint())
	tabB := NewStore(kv, exchange.Endpoint())
	defer tabA.Close()
	defer tabB.Close()

	hacked := true
	tabA.Update(Patch{IsHacked: &hacked})

	// B 无需轮询，最终观察到 A 的新状态
	require.Eventually(t, func() bool {
		return tabB.GetState().IsHacked
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, tabA.GetState(), tabB.GetState())
}

func TestStoreAppliesDuplicateBroadcastsIdempotently(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	tabA := NewStore(kv, exchange.Endpoint())
	tabB := NewStore(kv, exchange.Endpoint())
	defer tabA.Close()
	defer tabB.Close()

	hacked := true
	expected := tabA.Update(Patch{IsHacked: &hacked})

	// 主备两条链路同时生效时，同一逻辑更新可能被送达两次
	tabA.Update(Patch{IsHacked: &hacked})

	require.Eventually(t, func() bool {
		return tabB.GetState().IsHacked
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, expected, tabB.GetState())
}

func TestStoreIgnoresUnknownBroadcastTypes(t *testing.T) {
	t.Parallel()

	kv := newTestKV(t)
	exchange := bus.NewLocalExchange()

	other := exchange.Endpoint()
	store := NewStore(kv, exchange.Endpoint())
	defer store.Close()

	other.Publish(bus.ChannelGameState, bus.NewEnvelope("unrelated", map[string]bool{"is_hacked": true}))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, store.GetState().IsHacked)
}
