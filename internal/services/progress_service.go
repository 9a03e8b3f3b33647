// internal/services/progress_service.go
package services

import (
	"sync"
	"time"

	"github.com/novix-app/novix-engine/internal/models"
)

// 每个章节保留的进度事件上限，最旧的先淘汰
const maxProgressEvents = 50

// ProgressService 管理各章节的进度跟踪器
type ProgressService struct {
	trackers map[models.ChapterKey]*ProgressTracker
	mutex    sync.RWMutex
}

// ProgressTracker 跟踪单个章节长时间运行任务的进度
type ProgressTracker struct {
	Chapter     models.ChapterKey
	events      []models.ProgressEvent
	subscribers map[chan models.ProgressEvent]bool
	mutex       sync.Mutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[models.ChapterKey]*ProgressTracker),
	}
}

// Tracker 获取或创建章节的进度跟踪器
func (s *ProgressService) Tracker(chapter models.ChapterKey) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[chapter]; exists {
		return tracker
	}

	tracker := &ProgressTracker{
		Chapter:     chapter,
		subscribers: make(map[chan models.ProgressEvent]bool),
	}
	s.trackers[chapter] = tracker
	return tracker
}

// Evict 移除章节的跟踪器并关闭其订阅通道
func (s *ProgressService) Evict(chapter models.ChapterKey) {
	s.mutex.Lock()
	tracker, exists := s.trackers[chapter]
	delete(s.trackers, chapter)
	s.mutex.Unlock()

	if !exists {
		return
	}

	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	for subscriber := range tracker.subscribers {
		close(subscriber)
	}
	tracker.subscribers = make(map[chan models.ProgressEvent]bool)
}

// Clear 移除所有跟踪器（项目切换时调用）
func (s *ProgressService) Clear() {
	s.mutex.Lock()
	chapters := make([]models.ChapterKey, 0, len(s.trackers))
	for chapter := range s.trackers {
		chapters = append(chapters, chapter)
	}
	s.mutex.Unlock()

	for _, chapter := range chapters {
		s.Evict(chapter)
	}
}

// Record 记录一条进度事件并通知订阅者
func (t *ProgressTracker) Record(status models.SessionStatus, message string, progress, iteration int) {
	t.mutex.Lock()

	event := models.ProgressEvent{
		Status:    status,
		Message:   message,
		Progress:  progress,
		Iteration: iteration,
		Timestamp: time.Now(),
	}

	t.events = append(t.events, event)
	if len(t.events) > maxProgressEvents {
		// 有界队列，淘汰最旧的
		t.events = t.events[len(t.events)-maxProgressEvents:]
	}

	subscribers := make([]chan models.ProgressEvent, 0, len(t.subscribers))
	for subscriber := range t.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	t.mutex.Unlock()

	// 非阻塞发送，通道已满则跳过
	for _, subscriber := range subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

// Events 返回当前事件列表的副本
func (t *ProgressTracker) Events() []models.ProgressEvent {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]models.ProgressEvent{}, t.events...)
}

// Subscribe 订阅进度事件，缓冲区设为10以避免阻塞
func (t *ProgressTracker) Subscribe() chan models.ProgressEvent {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan models.ProgressEvent, 10)
	t.subscribers[subscriber] = true
	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan models.ProgressEvent) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.subscribers[subscriber]; exists {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}
