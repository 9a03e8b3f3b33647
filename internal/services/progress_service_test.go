// internal/services/progress_service_test.go
package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novix-app/novix-engine/internal/models"
)

func TestProgressTracker_BoundedEvents(t *testing.T) {
	service := NewProgressService()
	tracker := service.Tracker("C1")

	for i := 0; i < maxProgressEvents+10; i++ {
		tracker.Record(models.StatusGenerating, fmt.Sprintf("进度 %d", i), i, 0)
	}

	events := tracker.Events()
	require.Len(t, events, maxProgressEvents)
	// 最旧的已被淘汰
	assert.Equal(t, "进度 10", events[0].Message)
	assert.Equal(t, fmt.Sprintf("进度 %d", maxProgressEvents+9), events[len(events)-1].Message)
}

func TestProgressTracker_Subscribe(t *testing.T) {
	service := NewProgressService()
	tracker := service.Tracker("C1")

	sub := tracker.Subscribe()
	tracker.Record(models.StatusStarting, "开始", 0, 0)

	event := <-sub
	assert.Equal(t, "开始", event.Message)

	tracker.Unsubscribe(sub)
	// 取消订阅后通道已关闭
	_, open := <-sub
	assert.False(t, open)
}

func TestProgressService_TrackerReuse(t *testing.T) {
	service := NewProgressService()

	first := service.Tracker("C1")
	second := service.Tracker("C1")
	assert.Same(t, first, second)

	service.Evict("C1")
	third := service.Tracker("C1")
	assert.NotSame(t, first, third)
}
