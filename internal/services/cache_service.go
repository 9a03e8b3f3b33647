// internal/services/cache_service.go
package services

import (
	"sort"
	"sync"
	"time"

	"github.com/novix-app/novix-engine/internal/models"
)

// CacheService 章节内容缓存
//
// 按章节键保存会话快照，支撑"用户查看别的章节时后台继续生成"：
// 焦点切回某章节时，展示内容以缓存值为准，而不是等待一次新的网络读取。
type CacheService struct {
	entries map[models.ChapterKey]*CacheEntry
	mutex   sync.RWMutex
	maxSize int
}

// CacheEntry 单个章节的缓存条目
type CacheEntry struct {
	Content        string                   `json:"content"`
	Title          string                   `json:"title"`
	LogEntries     []models.ChapterLogEntry `json:"log_entries"`
	ProgressEvents []models.ProgressEvent   `json:"progress_events"`
	LastGenerated  bool                     `json:"last_generated"` // 内容来自刚完成的生成
	UpdatedAt      time.Time                `json:"updated_at"`
	lastRead       time.Time
}

// NewCacheService 创建章节内容缓存
func NewCacheService(maxSize int) *CacheService {
	if maxSize <= 0 {
		maxSize = 200 // 默认缓存200个章节
	}
	return &CacheService{
		entries: make(map[models.ChapterKey]*CacheEntry),
		maxSize: maxSize,
	}
}

// Put 写入或更新章节缓存
func (s *CacheService) Put(chapter models.ChapterKey, content, title string, lastGenerated bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.entries[chapter]
	if !exists {
		entry = &CacheEntry{}
		s.entries[chapter] = entry
	}

	entry.Content = content
	entry.Title = title
	entry.LastGenerated = lastGenerated
	entry.UpdatedAt = time.Now()
	entry.lastRead = time.Now()

	if len(s.entries) > s.maxSize {
		s.cleanupLRU(max(1, s.maxSize/5))
	}
}

// AppendLog 向章节缓存追加日志与进度事件
func (s *CacheService) AppendLog(chapter models.ChapterKey, logs []models.ChapterLogEntry, events []models.ProgressEvent) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.entries[chapter]
	if !exists {
		entry = &CacheEntry{}
		s.entries[chapter] = entry
	}
	entry.LogEntries = logs
	entry.ProgressEvents = events
	entry.UpdatedAt = time.Now()
}

// Get 读取章节缓存
func (s *CacheService) Get(chapter models.ChapterKey) (*CacheEntry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.entries[chapter]
	if !exists {
		return nil, false
	}

	entry.lastRead = time.Now()
	snapshot := *entry
	return &snapshot, true
}

// Resolve 对账后端读取结果与缓存内容，返回应当展示的内容
//
// 优先规则：若该章节标记了 lastGenerated 且后端返回空内容而缓存非空，
// 则缓存的（生成的）内容获胜——防止一次迟到的陈旧空读取
// 覆盖掉比自身持久化跑得还快的新草稿
func (s *CacheService) Resolve(chapter models.ChapterKey, fetched string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.entries[chapter]
	if exists && entry.LastGenerated && fetched == "" && entry.Content != "" {
		entry.lastRead = time.Now()
		return entry.Content
	}

	// 正常情况下后端读取结果为准，同步进缓存
	if !exists {
		entry = &CacheEntry{}
		s.entries[chapter] = entry
	}
	entry.Content = fetched
	entry.LastGenerated = false
	entry.UpdatedAt = time.Now()
	entry.lastRead = time.Now()
	return fetched
}

// ClearLastGenerated 清除章节的刚生成标记（成功持久化后调用）
func (s *CacheService) ClearLastGenerated(chapter models.ChapterKey) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entry, exists := s.entries[chapter]; exists {
		entry.LastGenerated = false
	}
}

// Evict 移除单个章节的缓存
func (s *CacheService) Evict(chapter models.ChapterKey) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, chapter)
}

// Clear 清空全部缓存（项目切换时调用）
func (s *CacheService) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries = make(map[models.ChapterKey]*CacheEntry)
}

// Len 返回缓存条目数
func (s *CacheService) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}

// cleanupLRU 清理最少使用的条目
func (s *CacheService) cleanupLRU(count int) {
	type keyAge struct {
		key  models.ChapterKey
		time time.Time
	}

	entries := make([]keyAge, 0, len(s.entries))
	for k, v := range s.entries {
		entries = append(entries, keyAge{k, v.lastRead})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].time.Before(entries[j].time)
	})

	toDelete := min(count, len(entries))
	for i := 0; i < toDelete; i++ {
		delete(s.entries, entries[i].key)
	}
}
