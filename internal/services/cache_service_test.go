// internal/services/cache_service_test.go
package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novix-app/novix-engine/internal/models"
)

func TestCacheService_PutGet(t *testing.T) {
	cache := NewCacheService(0)

	cache.Put("C1", "正文内容", "第一章", true)

	entry, exists := cache.Get("C1")
	require.True(t, exists)
	assert.Equal(t, "正文内容", entry.Content)
	assert.Equal(t, "第一章", entry.Title)
	assert.True(t, entry.LastGenerated)

	// Get 返回的是快照，修改不影响缓存
	entry.Content = "改掉"
	again, _ := cache.Get("C1")
	assert.Equal(t, "正文内容", again.Content)

	_, exists = cache.Get("C9")
	assert.False(t, exists)
}

func TestCacheService_ResolvePrecedence(t *testing.T) {
	cache := NewCacheService(0)
	cache.Put("C1", "刚生成的草稿", "第一章", true)

	// 刚生成 + 空读取 + 非空缓存 → 缓存内容获胜
	assert.Equal(t, "刚生成的草稿", cache.Resolve("C1", ""))

	// 非空读取正常获胜并同步进缓存
	assert.Equal(t, "后端的新内容", cache.Resolve("C1", "后端的新内容"))
	entry, _ := cache.Get("C1")
	assert.Equal(t, "后端的新内容", entry.Content)
	assert.False(t, entry.LastGenerated)
}

func TestCacheService_ResolveAfterClearLastGenerated(t *testing.T) {
	cache := NewCacheService(0)
	cache.Put("C1", "刚生成的草稿", "第一章", true)

	// 持久化成功后标记清除，空读取重新成为权威
	cache.ClearLastGenerated("C1")
	assert.Equal(t, "", cache.Resolve("C1", ""))
}

func TestCacheService_ResolveUnknownChapter(t *testing.T) {
	cache := NewCacheService(0)

	assert.Equal(t, "后端内容", cache.Resolve("C7", "后端内容"))
	entry, exists := cache.Get("C7")
	require.True(t, exists)
	assert.Equal(t, "后端内容", entry.Content)
}

func TestCacheService_EvictAndClear(t *testing.T) {
	cache := NewCacheService(0)
	cache.Put("C1", "一", "", false)
	cache.Put("C2", "二", "", false)
	require.Equal(t, 2, cache.Len())

	cache.Evict("C1")
	_, exists := cache.Get("C1")
	assert.False(t, exists)
	assert.Equal(t, 1, cache.Len())

	cache.Clear()
	assert.Equal(t, 0, cache.Len())
}

func TestCacheService_LRUCleanup(t *testing.T) {
	cache := NewCacheService(10)

	for i := 0; i < 11; i++ {
		cache.Put(models.ChapterKey(fmt.Sprintf("C%d", i)), "内容", "", false)
	}

	// 超过上限后触发清理，条目数回到上限以内
	assert.LessOrEqual(t, cache.Len(), 10)
}
