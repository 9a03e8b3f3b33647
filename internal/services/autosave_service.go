// internal/services/autosave_service.go
package services

import (
	"context"
	"sync"
	"time"

	"github.com/novix-app/novix-engine/internal/agent"
	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
	"github.com/novix-app/novix-engine/internal/utils"
)

const (
	// DefaultAutosaveDebounce 手动编辑停止后到触发保存的静默窗口
	DefaultAutosaveDebounce = 2 * time.Second
	// DefaultAutosaveTimeout 单次持久化请求的超时
	DefaultAutosaveTimeout = 15 * time.Second
	// 保存被挡住（流式中、持锁、有待评审 diff）时的重试间隔
	autosaveRetryDelay = 5 * time.Second
)

// pendingSave 一个章节待保存的最新内容
type pendingSave struct {
	content string
	title   string
	timer   *time.Timer
}

// savedBaseline 上次成功持久化的内容与标题
// 任一项变化都构成需要保存的编辑
type savedBaseline struct {
	content string
	title   string
}

// AutosaveService 自动保存调度器
//
// 手动编辑经过防抖窗口后触发保存；内容与基线相同则跳过。
// 每个章节同一时刻至多一次在途保存，新的编辑只更新待保存内容，
// 不会叠加请求。流式进行中、AI 锁被持有或有待评审 diff 时
// 推迟保存，稍后重试。
type AutosaveService struct {
	mu        sync.Mutex
	debounce  time.Duration
	timeout   time.Duration
	sessions  *SessionService
	client    agent.Client
	baselines map[models.ChapterKey]savedBaseline
	pending   map[models.ChapterKey]*pendingSave
	inFlight  map[models.ChapterKey]bool
	closed    bool
}

// NewAutosaveService 创建自动保存调度器
func NewAutosaveService(sessions *SessionService, client agent.Client, debounce, timeout time.Duration) *AutosaveService {
	if debounce <= 0 {
		debounce = DefaultAutosaveDebounce
	}
	if timeout <= 0 {
		timeout = DefaultAutosaveTimeout
	}
	return &AutosaveService{
		debounce:  debounce,
		timeout:   timeout,
		sessions:  sessions,
		client:    client,
		baselines: make(map[models.ChapterKey]savedBaseline),
		pending:   make(map[models.ChapterKey]*pendingSave),
		inFlight:  make(map[models.ChapterKey]bool),
	}
}

// Schedule 记录一次手动编辑并重置防抖计时
func (s *AutosaveService) Schedule(chapter models.ChapterKey, content, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || chapter == models.NoChapter {
		return
	}

	save, exists := s.pending[chapter]
	if exists {
		// 只更新内容，防抖窗口从头计
		save.content = content
		save.title = title
		save.timer.Reset(s.debounce)
		return
	}

	save = &pendingSave{content: content, title: title}
	save.timer = time.AfterFunc(s.debounce, func() {
		s.fire(chapter)
	})
	s.pending[chapter] = save
}

// SetBaseline 设置章节的已保存基线（载入内容后调用）
func (s *AutosaveService) SetBaseline(chapter models.ChapterKey, content, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[chapter] = savedBaseline{content: content, title: title}
}

// Flush 跳过防抖立即保存章节的待保存内容（焦点切换、退出时调用）
func (s *AutosaveService) Flush(chapter models.ChapterKey) error {
	s.mu.Lock()
	save, exists := s.pending[chapter]
	if !exists {
		s.mu.Unlock()
		return nil
	}
	save.timer.Stop()
	s.mu.Unlock()

	return s.attempt(chapter, true)
}

// Close 停止所有防抖计时器
func (s *AutosaveService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, save := range s.pending {
		save.timer.Stop()
	}
	s.pending = make(map[models.ChapterKey]*pendingSave)
}

// Reset 清空基线与待保存内容（项目切换时调用）
func (s *AutosaveService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, save := range s.pending {
		save.timer.Stop()
	}
	s.pending = make(map[models.ChapterKey]*pendingSave)
	s.baselines = make(map[models.ChapterKey]savedBaseline)
	s.inFlight = make(map[models.ChapterKey]bool)
}

// fire 防抖计时器到点后的入口
func (s *AutosaveService) fire(chapter models.ChapterKey) {
	if err := s.attempt(chapter, false); err != nil {
		utils.GetLogger().Warnf("章节 %s 自动保存失败: %v", chapter, err)
	}
}

// attempt 执行一次保存尝试
// force 为 false 时，保存被挡住只重新排程而不报错
func (s *AutosaveService) attempt(chapter models.ChapterKey, force bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	save, exists := s.pending[chapter]
	if !exists {
		s.mu.Unlock()
		return nil
	}

	// 内容与标题都和基线相同时不发多余请求
	baseline := s.baselines[chapter]
	if save.content == baseline.content && save.title == baseline.title {
		save.timer.Stop()
		delete(s.pending, chapter)
		s.mu.Unlock()
		return nil
	}

	// 单在途：保存进行中到点的编辑重排防抖，而不是并发第二个请求
	if s.inFlight[chapter] {
		if !force {
			save.timer.Reset(s.debounce)
		}
		s.mu.Unlock()
		if force {
			return apperrors.NewConflictError("章节已有一次保存进行中", nil)
		}
		return nil
	}

	// 流式中、持锁或有待评审 diff 时推迟
	if !s.sessions.CanAutosave(chapter) {
		if !force {
			save.timer.Reset(autosaveRetryDelay)
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		return apperrors.NewConflictError("章节当前不允许自动保存", nil)
	}

	content := save.content
	title := save.title
	save.timer.Stop()
	delete(s.pending, chapter)
	s.inFlight[chapter] = true
	s.mu.Unlock()

	err := s.persist(chapter, content, title)

	s.mu.Lock()
	delete(s.inFlight, chapter)
	// 在途保存期间到点被推迟的编辑，完成后立即重排
	if save, exists := s.pending[chapter]; exists && !s.closed {
		save.timer.Reset(s.debounce)
	}
	s.mu.Unlock()
	return err
}

// persist 调用后端持久化并维护基线
func (s *AutosaveService) persist(chapter models.ChapterKey, content, title string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.client.PersistContent(ctx, s.sessions.ProjectID(), models.PersistRequest{
		Chapter: chapter,
		Content: content,
		Title:   title,
	})
	if err != nil {
		s.sessions.MarkDirty(chapter)
		return err
	}
	if !result.Success {
		s.sessions.MarkDirty(chapter)
		return apperrors.NewRequestFailure("持久化被后端拒绝: "+result.Error, nil)
	}

	s.mu.Lock()
	s.baselines[chapter] = savedBaseline{content: content, title: title}
	s.mu.Unlock()

	s.sessions.MarkSaved(chapter, result.Version)
	utils.GetLogger().Infof("章节 %s 已自动保存 (版本 %s)", chapter, result.Version)
	return nil
}
