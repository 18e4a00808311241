// internal/storage/kv_store.go
package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/Corphon/zhangwei-case/internal/errors"
)

// KVStore 提供按键持久化的JSON存储服务。
// 每个键对应数据目录下的一个文件，写入为原子替换；
// 写入或序列化失败只记录日志，对调用方表现为无操作。
type KVStore struct {
	BaseDir string

	// 并发控制
	keyLocks sync.Map // 键级别锁 key -> *sync.RWMutex

	// 简单缓存
	cache        map[string]*CacheEntry
	cacheMutex   sync.RWMutex
	cacheExpiry  time.Duration
	maxCacheSize int

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// CacheEntry 缓存条目
type CacheEntry struct {
	Data      []byte
	Timestamp time.Time
}

// NewKVStore 创建键值存储服务
func NewKVStore(baseDir string) (*KVStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}

	kv := &KVStore{
		BaseDir:      baseDir,
		cache:        make(map[string]*CacheEntry),
		cacheExpiry:  5 * time.Minute,
		maxCacheSize: 100,
		stopCleanup:  make(chan struct{}),
	}

	// 启动缓存清理
	kv.startCacheCleanup()

	return kv, nil
}

// Close 停止后台缓存清理
func (kv *KVStore) Close() {
	kv.stopOnce.Do(func() {
		close(kv.stopCleanup)
	})
}

// 获取键锁
func (kv *KVStore) getKeyLock(key string) *sync.RWMutex {
	value, _ := kv.keyLocks.LoadOrStore(key, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// keyPath 将逻辑键映射为文件路径
func (kv *KVStore) keyPath(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(kv.BaseDir, sanitized+".json")
}

// Set 序列化并持久化一个值。
// 任何失败都被捕获并记录，调用方将其视为无操作。
func (kv *KVStore) Set(key string, value interface{}) {
	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		log.Printf("⚠️ 序列化失败 (key=%s): %v", key, err)
		return
	}

	if err := kv.writeRaw(key, content); err != nil {
		log.Printf("⚠️ 持久化失败 (key=%s): %v", key, err)
	}
}

// writeRaw 原子性写入键对应的文件
func (kv *KVStore) writeRaw(key string, content []byte) error {
	fullPath := kv.keyPath(key)

	lock := kv.getKeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	return kv.writeRawLocked(key, fullPath, content)
}

func (kv *KVStore) writeRawLocked(key, fullPath string, content []byte) error {
	// 原子性文件写入
	tempPath := fullPath + ".tmp"

	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		if removeErr := os.Remove(tempPath); removeErr != nil {
			log.Printf("⚠️ 重命名失败后清理临时文件失败 %s: %v", tempPath, removeErr)
		}
		return fmt.Errorf("保存文件失败: %w", err)
	}

	kv.updateCache(key, content)

	return nil
}

// GetRaw 读取键的原始JSON内容，键不存在时返回 false
func (kv *KVStore) GetRaw(key string) (json.RawMessage, bool) {
	// 检查缓存
	kv.cacheMutex.RLock()
	if entry, exists := kv.cache[key]; exists {
		if time.Since(entry.Timestamp) < kv.cacheExpiry {
			kv.cacheMutex.RUnlock()
			return entry.Data, true
		}
	}
	kv.cacheMutex.RUnlock()

	lock := kv.getKeyLock(key)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(kv.keyPath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ 读取失败 (key=%s): %v", key, err)
		}
		return nil, false
	}

	kv.updateCache(key, content)

	return content, true
}

// GetFresh 绕过读缓存，直接从磁盘读取并反序列化键的值。
// 供观察他方写入的调用方使用：同一数据目录可能被多个存储实例
// 打开（各自持有独立缓存），共享键的轮询方必须看到最新落盘内容。
// 读到的内容会刷新本实例的缓存。
func (kv *KVStore) GetFresh(key string, v interface{}) bool {
	lock := kv.getKeyLock(key)
	lock.RLock()
	content, err := os.ReadFile(kv.keyPath(key))
	lock.RUnlock()

	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("⚠️ 读取失败 (key=%s): %v", key, err)
		}
		return false
	}

	kv.updateCache(key, content)

	if err := json.Unmarshal(content, v); err != nil {
		log.Printf("⚠️ 解析JSON失败 (key=%s): %v", key, err)
		return false
	}

	return true
}

// Get 读取并反序列化键的值。
// 键不存在或解析失败时返回 false，解析失败同样只记录日志。
func (kv *KVStore) Get(key string, v interface{}) bool {
	content, ok := kv.GetRaw(key)
	if !ok {
		return false
	}

	if err := json.Unmarshal(content, v); err != nil {
		log.Printf("⚠️ 解析JSON失败 (key=%s): %v", key, err)
		return false
	}

	return true
}

// Has 检查键是否存在
func (kv *KVStore) Has(key string) bool {
	kv.cacheMutex.RLock()
	if entry, exists := kv.cache[key]; exists {
		if time.Since(entry.Timestamp) < kv.cacheExpiry {
			kv.cacheMutex.RUnlock()
			return true
		}
	}
	kv.cacheMutex.RUnlock()

	_, err := os.Stat(kv.keyPath(key))
	return err == nil
}

// Remove 删除键。键不存在视为成功，失败只记录日志。
func (kv *KVStore) Remove(key string) {
	fullPath := kv.keyPath(key)

	lock := kv.getKeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		log.Printf("⚠️ 删除失败 (key=%s): %v", key, err)
	}

	kv.invalidateCache(key)
}

// Mutate 在键锁内执行读-改-写。
// fn 收到当前原始内容（键不存在时为 nil），返回要写入的新值；
// 返回错误则放弃写入。用于多个上下文共享同一键的场景。
func (kv *KVStore) Mutate(key string, fn func(raw json.RawMessage) (interface{}, error)) error {
	fullPath := kv.keyPath(key)

	lock := kv.getKeyLock(key)
	lock.Lock()
	defer lock.Unlock()

	var raw json.RawMessage
	if content, err := os.ReadFile(fullPath); err == nil {
		raw = content
	} else if !os.IsNotExist(err) {
		return apperrors.NewStorageError("读取文件失败", err)
	}

	next, err := fn(raw)
	if err != nil {
		return err
	}

	content, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return apperrors.NewStorageError("序列化JSON失败", err)
	}

	return kv.writeRawLocked(key, fullPath, content)
}

// 缓存管理
func (kv *KVStore) updateCache(key string, data []byte) {
	kv.cacheMutex.Lock()
	defer kv.cacheMutex.Unlock()

	kv.cache[key] = &CacheEntry{
		Data:      data,
		Timestamp: time.Now(),
	}

	// 简单的缓存大小控制
	if len(kv.cache) > kv.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time

		for k, entry := range kv.cache {
			if oldestKey == "" || entry.Timestamp.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.Timestamp
			}
		}

		if oldestKey != "" {
			delete(kv.cache, oldestKey)
		}
	}
}

// invalidateCache 清除指定键的缓存
func (kv *KVStore) invalidateCache(key string) {
	kv.cacheMutex.Lock()
	defer kv.cacheMutex.Unlock()

	delete(kv.cache, key)
}

// 开始缓存清理
func (kv *KVStore) startCacheCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				kv.cleanupExpiredCache()
				kv.enforceMaxCacheSize()
			case <-kv.stopCleanup:
				return
			}
		}
	}()
}

// 清理过期缓存
func (kv *KVStore) cleanupExpiredCache() {
	kv.cacheMutex.Lock()
	defer kv.cacheMutex.Unlock()

	now := time.Now()
	for key, entry := range kv.cache {
		if now.Sub(entry.Timestamp) > kv.cacheExpiry {
			delete(kv.cache, key)
		}
	}
}

// enforceMaxCacheSize 超出上限时移除最旧的缓存条目
func (kv *KVStore) enforceMaxCacheSize() {
	kv.cacheMutex.Lock()
	defer kv.cacheMutex.Unlock()

	if len(kv.cache) <= kv.maxCacheSize {
		return
	}

	type cacheEntryWithTime struct {
		key       string
		timestamp time.Time
	}

	var entries []cacheEntryWithTime
	for key, entry := range kv.cache {
		entries = append(entries, cacheEntryWithTime{key: key, timestamp: entry.Timestamp})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	removeCount := len(entries) - kv.maxCacheSize
	for i := 0; i < removeCount; i++ {
		delete(kv.cache, entries[i].key)
	}
	log.Printf("缓存大小限制执行: 移除了 %d 个最旧的缓存条目", removeCount)
}
