// internal/services/session_service_test.go
package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
)

// fakeClient 可编程的后端边界替身
type fakeClient struct {
	mu        sync.Mutex
	startFn   func(req models.StartSessionRequest) (*models.StartSessionResult, error)
	suggestFn func(req models.SuggestEditRequest) (*models.SuggestEditResult, error)
	persistFn func(req models.PersistRequest) (*models.PersistResult, error)
	persisted []models.PersistRequest
}

func (f *fakeClient) StartSession(_ context.Context, _ string, req models.StartSessionRequest) (*models.StartSessionResult, error) {
	if f.startFn != nil {
		return f.startFn(req)
	}
	return &models.StartSessionResult{Success: true, DraftV2: "夜色落下。"}, nil
}

func (f *fakeClient) SuggestEdit(_ context.Context, _ string, req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
	if f.suggestFn != nil {
		return f.suggestFn(req)
	}
	return &models.SuggestEditResult{Success: true, RevisedContent: req.BaselineContent}, nil
}

func (f *fakeClient) PersistContent(_ context.Context, _ string, req models.PersistRequest) (*models.PersistResult, error) {
	f.mu.Lock()
	f.persisted = append(f.persisted, req)
	f.mu.Unlock()

	if f.persistFn != nil {
		return f.persistFn(req)
	}
	return &models.PersistResult{Success: true, Chapter: req.Chapter, Version: "v1"}, nil
}

func (f *fakeClient) persistCalls() []models.PersistRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PersistRequest{}, f.persisted...)
}

// newTestService 构建测试用的会话服务
// FrameInterval 为 0：短草稿在首帧爆发中同步完成，长草稿停在 generating
func newTestService(client *fakeClient) *SessionService {
	return NewSessionService(SessionConfig{
		ProjectID:       "test-project",
		ContextLines:    2,
		TruncationGuard: false,
		MaxIterations:   5,
	}, NewAILock(), NewCacheService(0), NewProgressService(), client)
}

// 超过首帧爆发阈值的长文本，没有节拍驱动时不会完成
const longDraft = "这是一段足够长的草稿文本，用来让流式展示停留在进行中的状态。" +
	"它包含许多句子，远远超过首帧爆发所能展示的十二个字符。" +
	"只要没有渲染节拍推进，章节就会一直保持在生成中。"

func TestStart_ShortDraftReachesWaitingFeedback(t *testing.T) {
	client := &fakeClient{}
	service := newTestService(client)

	_, err := service.Focus("C1")
	require.NoError(t, err)

	result, err := service.Start(context.Background(), models.StartSessionRequest{
		Chapter:      "C1",
		ChapterTitle: "第一章",
		ChapterGoal:  "开场",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	snapshot, exists := service.Snapshot("C1")
	require.True(t, exists)
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
	assert.Equal(t, "夜色落下。", snapshot.Content)

	// 终态不得持锁
	assert.False(t, service.Lock().IsHeld())
}

func TestStart_InvalidChapterID(t *testing.T) {
	service := newTestService(&fakeClient{})

	_, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "chapter-1"})
	assert.True(t, apperrors.IsValidationError(err))
}

func TestStart_LockConflictRejectsImmediately(t *testing.T) {
	client := &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			return &models.StartSessionResult{Success: true, DraftV2: longDraft}, nil
		},
	}
	service := newTestService(client)

	_, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1"})
	require.NoError(t, err)

	// C1 停在 generating 并持锁
	snapshot, _ := service.Snapshot("C1")
	require.Equal(t, models.StatusGenerating, snapshot.Status)
	require.True(t, service.Lock().IsHeldBy("C1"))

	// C2 立即被拒绝，自身状态不变
	_, err = service.Start(context.Background(), models.StartSessionRequest{Chapter: "C2"})
	assert.True(t, apperrors.IsConflictError(err))

	snapshot2, exists := service.Snapshot("C2")
	require.True(t, exists)
	assert.Equal(t, models.StatusIdle, snapshot2.Status)
	assert.True(t, service.Lock().IsHeldBy("C1"))
}

func TestStart_FailureReleasesLockAndLogs(t *testing.T) {
	client := &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			return nil, apperrors.NewRequestFailure("后端超时", nil)
		},
	}
	service := newTestService(client)

	_, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1"})
	require.Error(t, err)

	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusIdle, snapshot.Status)
	assert.False(t, service.Lock().IsHeld())

	// 失败要记录在章节日志里
	require.NotEmpty(t, snapshot.LogEntries)
	last := snapshot.LogEntries[len(snapshot.LogEntries)-1]
	assert.Equal(t, "error", last.Level)
}

func TestStart_ClarificationReleasesLock(t *testing.T) {
	calls := 0
	client := &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			calls++
			if calls == 1 {
				return &models.StartSessionResult{
					Success:   true,
					Questions: []string{"主角的动机是什么？"},
				}, nil
			}
			return &models.StartSessionResult{Success: true, DraftV2: "短稿。"}, nil
		},
	}
	service := newTestService(client)

	result, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1", ChapterGoal: "目标"})
	require.NoError(t, err)
	require.Len(t, result.Questions, 1)

	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusWaitingUserInput, snapshot.Status)
	// 等待用户期间没有在途工作，不得持锁
	assert.False(t, service.Lock().IsHeld())

	// 回答后恢复会话并完成
	_, err = service.SubmitAnswers(context.Background(), "C1", []string{"为了复仇"})
	require.NoError(t, err)

	snapshot, _ = service.Snapshot("C1")
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
	assert.Equal(t, "短稿。", snapshot.Content)
	assert.False(t, service.Lock().IsHeld())
}

func TestStart_PushDeliveryHoldsLockUntilStreamEnd(t *testing.T) {
	// 响应不携带草稿：内容走双工通道分片到达
	client := &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			return &models.StartSessionResult{Success: true, Status: "generating"}, nil
		},
	}
	service := newTestService(client)

	result, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	// 流到达前保持 generating 并持锁
	snapshot, _ := service.Snapshot("C1")
	require.Equal(t, models.StatusGenerating, snapshot.Status)
	require.True(t, service.Lock().IsHeldBy("C1"))

	// 流进行中其他章节不能开始生成
	_, err = service.Start(context.Background(), models.StartSessionRequest{Chapter: "C2"})
	assert.True(t, apperrors.IsConflictError(err))

	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeStreamStart, Chapter: "C1"})
	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeToken, Chapter: "C1", Content: "分片内容。"})
	require.True(t, service.Lock().IsHeldBy("C1"))

	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeStreamEnd, Chapter: "C1", Content: "分片内容。完整结尾。"})

	// 流结束才收尾并释放锁
	snapshot, _ = service.Snapshot("C1")
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
	assert.Equal(t, "分片内容。完整结尾。", snapshot.Content)
	assert.False(t, service.Lock().IsHeld())
}

func TestHandleEnvelope_PushStreamCompletes(t *testing.T) {
	service := newTestService(&fakeClient{})

	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeStreamStart, Chapter: "C1"})
	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeToken, Chapter: "C1", Content: "第一段。"})
	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeToken, Chapter: "C1", Content: "第二段。"})
	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeStreamEnd, Chapter: "C1", Content: "第一段。第二段。完整结尾。"})

	snapshot, exists := service.Snapshot("C1")
	require.True(t, exists)
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
	// 最终全文以结束消息携带的内容为准
	assert.Equal(t, "第一段。第二段。完整结尾。", snapshot.Content)
}

func TestHandleEnvelope_SentinelBucketDoesNotCreateSession(t *testing.T) {
	service := newTestService(&fakeClient{})

	var notices []Notice
	service.OnNotice(func(n Notice) { notices = append(notices, n) })

	service.HandleEnvelope(models.Envelope{Type: models.EnvelopeConnected, Message: "会话通道已建立"})

	_, exists := service.Snapshot(models.NoChapter)
	assert.False(t, exists)
	require.Len(t, notices, 1)
	assert.Equal(t, "会话通道已建立", notices[0].Message)
}

func TestRequestRevision_ProducesReview(t *testing.T) {
	client := &fakeClient{
		suggestFn: func(req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
			return &models.SuggestEditResult{
				Success:        true,
				RevisedContent: req.BaselineContent + "\n新增的一段。",
			}, nil
		},
	}
	service := newTestService(client)
	startToFeedback(t, service, "C1", "第一行。\n第二行。")

	review, err := service.RequestRevision(context.Background(), "C1", "结尾加一段")
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.NotEmpty(t, review.Result.Hunks)

	// 默认决定全部为接受
	for _, decision := range review.Decisions {
		assert.Equal(t, "accepted", string(decision))
	}

	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
	assert.True(t, snapshot.HasDiffReview)
	assert.Equal(t, 1, snapshot.Iteration)
	assert.False(t, service.Lock().IsHeld())
}

func TestRequestRevision_EmptyDiffIsHardFailure(t *testing.T) {
	service := newTestService(&fakeClient{}) // 默认 suggest 原样返回基线
	startToFeedback(t, service, "C1", "内容不变。")

	review, err := service.RequestRevision(context.Background(), "C1", "随便改改")
	assert.Nil(t, review)
	require.Error(t, err)
	assert.True(t, apperrors.IsEmptyDiffError(err))

	// 不产生 diff 评审，回到等待反馈，锁释放
	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
	assert.False(t, snapshot.HasDiffReview)
	assert.False(t, service.Lock().IsHeld())
}

func TestRequestRevision_IterationCap(t *testing.T) {
	client := &fakeClient{
		suggestFn: func(req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
			return &models.SuggestEditResult{Success: true, RevisedContent: req.BaselineContent + "\n又一段。"}, nil
		},
	}
	service := NewSessionService(SessionConfig{
		ProjectID:     "test-project",
		MaxIterations: 1,
	}, NewAILock(), NewCacheService(0), NewProgressService(), client)
	startToFeedback(t, service, "C1", "起点。")

	_, err := service.RequestRevision(context.Background(), "C1", "第一轮")
	require.NoError(t, err)
	require.NoError(t, service.DiscardReview("C1"))

	_, err = service.RequestRevision(context.Background(), "C1", "第二轮")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "最大迭代次数")
}

func TestApplyReview_MixedDecisions(t *testing.T) {
	client := &fakeClient{
		suggestFn: func(req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
			return &models.SuggestEditResult{Success: true, RevisedContent: "改后的第一行。\n第二行。"}, nil
		},
	}
	service := newTestService(client)
	startToFeedback(t, service, "C1", "第一行。\n第二行。")

	review, err := service.RequestRevision(context.Background(), "C1", "改第一行")
	require.NoError(t, err)
	require.Len(t, review.Result.Hunks, 1)

	// 拒绝唯一的 hunk，应用后内容回到原文
	require.NoError(t, service.SetDecision("C1", review.Result.Hunks[0].ID, "rejected"))
	content, err := service.ApplyReview("C1")
	require.NoError(t, err)
	assert.Equal(t, "第一行。\n第二行。", content)

	// 评审已清除
	snapshot, _ := service.Snapshot("C1")
	assert.False(t, snapshot.HasDiffReview)

	_, exists := service.Review("C1")
	assert.False(t, exists)
}

func TestSetDecision_UnknownHunk(t *testing.T) {
	client := &fakeClient{
		suggestFn: func(req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
			return &models.SuggestEditResult{Success: true, RevisedContent: req.BaselineContent + "\n补充。"}, nil
		},
	}
	service := newTestService(client)
	startToFeedback(t, service, "C1", "原文。")

	_, err := service.RequestRevision(context.Background(), "C1", "补充")
	require.NoError(t, err)

	err = service.SetDecision("C1", "no-such-hunk", "accepted")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestConfirm_RequiresResolvedReview(t *testing.T) {
	client := &fakeClient{
		suggestFn: func(req models.SuggestEditRequest) (*models.SuggestEditResult, error) {
			return &models.SuggestEditResult{Success: true, RevisedContent: req.BaselineContent + "\n补充。"}, nil
		},
	}
	service := newTestService(client)
	startToFeedback(t, service, "C1", "原文。")

	_, err := service.RequestRevision(context.Background(), "C1", "补充")
	require.NoError(t, err)

	// 有待评审的 diff 时不允许确认
	err = service.Confirm("C1")
	assert.True(t, apperrors.IsValidationError(err))

	_, err = service.ApplyReview("C1")
	require.NoError(t, err)
	require.NoError(t, service.Confirm("C1"))

	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusCompleted, snapshot.Status)
}

func TestCancelSession_ReleasesLockFromGenerating(t *testing.T) {
	client := &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			return &models.StartSessionResult{Success: true, DraftV2: longDraft}, nil
		},
	}
	service := newTestService(client)

	_, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1"})
	require.NoError(t, err)
	require.True(t, service.Lock().IsHeldBy("C1"))

	service.CancelSession("C1")

	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusIdle, snapshot.Status)
	assert.False(t, service.Lock().IsHeld())
}

func TestCardEditing_RestoresPreviousStatus(t *testing.T) {
	service := newTestService(&fakeClient{})
	startToFeedback(t, service, "C1", "正文。")

	require.NoError(t, service.EnterCardEditing("C1"))
	snapshot, _ := service.Snapshot("C1")
	assert.Equal(t, models.StatusCardEditing, snapshot.Status)

	require.NoError(t, service.ExitCardEditing("C1"))
	snapshot, _ = service.Snapshot("C1")
	assert.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
}

func TestCardEditing_BlockedWhileGenerating(t *testing.T) {
	client := &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			return &models.StartSessionResult{Success: true, DraftV2: longDraft}, nil
		},
	}
	service := newTestService(client)

	_, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1"})
	require.NoError(t, err)

	err = service.EnterCardEditing("C1")
	assert.True(t, apperrors.IsValidationError(err))
}

func TestBackgroundCompletion_NotifiesWithoutStealingFocus(t *testing.T) {
	service := newTestService(&fakeClient{})

	var mu sync.Mutex
	var notices []Notice
	service.OnNotice(func(n Notice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	})

	// 焦点在 C2，C1 在后台生成完成
	_, err := service.Focus("C2")
	require.NoError(t, err)

	_, err = service.Start(context.Background(), models.StartSessionRequest{Chapter: "C1"})
	require.NoError(t, err)

	snapshot, _ := service.Snapshot("C1")
	require.Equal(t, models.StatusWaitingFeedback, snapshot.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notices, 1)
	assert.Equal(t, models.ChapterKey("C1"), notices[0].Chapter)
}

func TestResolveFetched_GeneratedContentWins(t *testing.T) {
	service := newTestService(&fakeClient{})
	startToFeedback(t, service, "C1", "刚生成的内容。")

	// 迟到的空读取不能覆盖刚生成的草稿
	assert.Equal(t, "刚生成的内容。", service.ResolveFetched("C1", ""))

	// 持久化成功后标记清除，后端读取结果重新成为权威
	service.MarkSaved("C1", "v1")
	assert.Equal(t, "", service.ResolveFetched("C1", ""))
}

func TestResetProject_EvictsAllSessions(t *testing.T) {
	service := newTestService(&fakeClient{})
	startToFeedback(t, service, "C1", "内容。")

	service.ResetProject("another-project")

	_, exists := service.Snapshot("C1")
	assert.False(t, exists)
	assert.Equal(t, "another-project", service.ProjectID())
	assert.Equal(t, models.NoChapter, service.Focused())
	assert.False(t, service.Lock().IsHeld())
}

func TestCanAutosave_Guards(t *testing.T) {
	service := newTestService(&fakeClient{})
	startToFeedback(t, service, "C1", "内容。")

	// 非焦点章节不允许
	assert.False(t, service.CanAutosave("C1"))

	_, err := service.Focus("C1")
	require.NoError(t, err)
	assert.True(t, service.CanAutosave("C1"))

	// 持锁时不允许
	require.NoError(t, service.Lock().Acquire("C1"))
	assert.False(t, service.CanAutosave("C1"))
	service.Lock().Release("C1")
	assert.True(t, service.CanAutosave("C1"))
}

// startToFeedback 用指定草稿把章节推进到 waiting_feedback
func startToFeedback(t *testing.T, service *SessionService, chapter models.ChapterKey, draft string) {
	t.Helper()

	original := service.client
	service.client = &fakeClient{
		startFn: func(req models.StartSessionRequest) (*models.StartSessionResult, error) {
			return &models.StartSessionResult{Success: true, DraftV2: draft}, nil
		},
	}
	_, err := service.Start(context.Background(), models.StartSessionRequest{Chapter: chapter})
	require.NoError(t, err)
	service.client = original

	snapshot, exists := service.Snapshot(chapter)
	require.True(t, exists)
	require.Equal(t, models.StatusWaitingFeedback, snapshot.Status)
}
