// internal/services/ai_lock_test.go
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
)

func TestAILock_AcquireRelease(t *testing.T) {
	lock := NewAILock()

	assert.False(t, lock.IsHeld())
	require.NoError(t, lock.Acquire("C1"))
	assert.True(t, lock.IsHeldBy("C1"))
	assert.Equal(t, models.ChapterKey("C1"), lock.Holder())

	assert.True(t, lock.Release("C1"))
	assert.False(t, lock.IsHeld())

	// 释放后可以被其他章节获取
	require.NoError(t, lock.Acquire("C2"))
	assert.True(t, lock.IsHeldBy("C2"))
}

func TestAILock_ConflictDoesNotQueue(t *testing.T) {
	lock := NewAILock()
	require.NoError(t, lock.Acquire("C1"))

	// 其他章节立即被拒绝，不排队
	err := lock.Acquire("C2")
	assert.True(t, apperrors.IsConflictError(err))
	assert.True(t, lock.IsHeldBy("C1"))

	// 同一章节重复获取同样是冲突（存在未完成的请求）
	err = lock.Acquire("C1")
	assert.True(t, apperrors.IsConflictError(err))
}

func TestAILock_ReleaseByNonHolderIsNoop(t *testing.T) {
	lock := NewAILock()
	require.NoError(t, lock.Acquire("C1"))

	assert.False(t, lock.Release("C2"))
	assert.True(t, lock.IsHeldBy("C1"))

	// 未被持有时的释放同样无害
	lock.Release("C1")
	assert.False(t, lock.Release("C1"))
}

func TestAILock_NoChapterRejected(t *testing.T) {
	lock := NewAILock()

	err := lock.Acquire(models.NoChapter)
	assert.True(t, apperrors.IsValidationError(err))
	assert.False(t, lock.IsHeld())
}

func TestAILock_HeldFor(t *testing.T) {
	lock := NewAILock()
	assert.Equal(t, time.Duration(0), lock.HeldFor())

	require.NoError(t, lock.Acquire("C1"))
	assert.GreaterOrEqual(t, lock.HeldFor(), time.Duration(0))

	lock.Release("C1")
	assert.Equal(t, time.Duration(0), lock.HeldFor())
}
