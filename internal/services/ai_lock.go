// internal/services/ai_lock.go
package services

import (
	"fmt"
	"sync"
	"time"

	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
)

// AILock 全局唯一的 AI 锁
//
// 整个会话系统共享一个可空的持有者引用，指向当前唯一允许
// 持有在途生成/修订请求的章节。后台章节可以持锁生成，
// 但任一时刻系统范围内至多一个章节持锁。
// 只能通过受保护的 Acquire/Release 变更，绝不作为环境全局变量暴露，
// 保证包括错误在内的每条退出路径都能配对释放。
type AILock struct {
	mu         sync.Mutex
	holder     models.ChapterKey // NoChapter 表示未被持有
	acquiredAt time.Time
}

// NewAILock 创建 AI 锁
func NewAILock() *AILock {
	return &AILock{holder: models.NoChapter}
}

// Acquire 尝试为指定章节获取锁
// 锁被其他章节持有时立即返回冲突错误，不排队等待——
// 调用方应在派发请求前处理冲突，而不是让请求悬挂
func (l *AILock) Acquire(chapter models.ChapterKey) error {
	if chapter == models.NoChapter {
		return apperrors.NewValidationError("不能为空章节获取 AI 锁", nil)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != models.NoChapter {
		if l.holder == chapter {
			return apperrors.NewConflictError(
				fmt.Sprintf("章节 %s 已持有 AI 锁，存在未完成的请求", chapter), nil)
		}
		return apperrors.NewConflictError(
			fmt.Sprintf("AI 锁已被章节 %s 持有", l.holder), nil)
	}

	l.holder = chapter
	l.acquiredAt = time.Now()
	return nil
}

// Release 释放指定章节持有的锁
// 非持有者的释放是无害的空操作，返回 false
func (l *AILock) Release(chapter models.ChapterKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != chapter {
		return false
	}

	l.holder = models.NoChapter
	return true
}

// Holder 返回当前持有者，未被持有时为 NoChapter
func (l *AILock) Holder() models.ChapterKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// IsHeld 检查锁是否被任何章节持有
func (l *AILock) IsHeld() bool {
	return l.Holder() != models.NoChapter
}

// IsHeldBy 检查锁是否被指定章节持有
func (l *AILock) IsHeldBy(chapter models.ChapterKey) bool {
	return l.Holder() == chapter
}

// HeldFor 返回当前持有时长，未被持有时为 0
func (l *AILock) HeldFor() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder == models.NoChapter {
		return 0
	}
	return time.Since(l.acquiredAt)
}
