// internal/storage/kv_store_test.go
package storage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *KVStore {
	t.Helper()

	kv, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(kv.Close)
	return kv
}

func TestKVStoreSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	kv := newTestStore(t)

	kv.Set("profile", sample{Name: "张薇", Count: 3})

	var got sample
	require.True(t, kv.Get("profile", &got))
	assert.Equal(t, sample{Name: "张薇", Count: 3}, got)
}

func TestKVStoreGetMissingKey(t *testing.T) {
	t.Parallel()

	kv := newTestStore(t)

	var got sample
	assert.False(t, kv.Get("nope", &got))
	assert.False(t, kv.Has("nope"))
}

func TestKVStoreRemove(t *testing.T) {
	t.Parallel()

	kv := newTestStore(t)

	kv.Set("k", sample{Name: "a"})
	require.True(t, kv.Has("k"))

	kv.Remove("k")
	assert.False(t, kv.Has("k"))

	// 删除不存在的键不报错，表现为无操作
	kv.Remove("k")
}

func TestKVStoreDurableAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	first, err := NewKVStore(dir)
	require.NoError(t, err)
	first.Set("state", sample{Name: "offline", Count: 7})
	first.Close()

	second, err := NewKVStore(dir)
	require.NoError(t, err)
	defer second.Close()

	var got sample
	require.True(t, second.Get("state", &got))
	assert.Equal(t, sample{Name: "offline", Count: 7}, got)
}

func TestKVStoreMutateReadModifyWrite(t *testing.T) {
	t.Parallel()

	kv := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := kv.Mutate("counter", func(raw json.RawMessage) (interface{}, error) {
			var s sample
			if raw != nil {
				require.NoError(t, json.Unmarshal(raw, &s))
			}
			s.Count++
			return s, nil
		})
		require.NoError(t, err)
	}

	var got sample
	require.True(t, kv.Get("counter", &got))
	assert.Equal(t, 3, got.Count)
}

func TestKVStoreGetFreshSeesOtherInstanceWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	writer, err := NewKVStore(dir)
	require.NoError(t, err)
	defer writer.Close()

	reader, err := NewKVStore(dir)
	require.NoError(t, err)
	defer reader.Close()

	writer.Set("shared", sample{Count: 1})

	// 普通读取填充本实例缓存
	var got sample
	require.True(t, reader.Get("shared", &got))
	require.Equal(t, 1, got.Count)

	// 另一实例更新同一键后，绕过缓存的读取必须看到新内容
	writer.Set("shared", sample{Count: 2})
	require.True(t, reader.GetFresh("shared", &got))
	assert.Equal(t, 2, got.Count)
}

func TestKVStoreKeySanitization(t *testing.T) {
	t.Parallel()

	kv := newTestStore(t)

	kv.Set("chat_session:zhangwei/1", sample{Name: "x"})

	var got sample
	require.True(t, kv.Get("chat_session:zhangwei/1", &got))
	assert.Equal(t, "x", got.Name)
}
