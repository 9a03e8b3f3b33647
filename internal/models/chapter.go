// internal/models/chapter.go
package models

import (
	"time"
)

// ChapterKey 章节的不透明标识符，例如 "C1"、"C3E1"、"V2C5"
type ChapterKey string

// NoChapter 表示"未选中任何章节"的保留哨兵值
// 不携带章节键的入站消息（如连接状态通知）都路由到这个桶
const NoChapter ChapterKey = ""

// SessionStatus 表示章节会话状态机的状态
type SessionStatus string

const (
	// StatusIdle 空闲，未持有 AI 锁
	StatusIdle SessionStatus = "idle"
	// StatusStarting 已发起生成请求，等待后端响应
	StatusStarting SessionStatus = "starting"
	// StatusWaitingUserInput 后端要求澄清，等待用户回答
	StatusWaitingUserInput SessionStatus = "waiting_user_input"
	// StatusGenerating 草稿正在流式到达
	StatusGenerating SessionStatus = "generating"
	// StatusWaitingFeedback 草稿已到齐，等待用户反馈
	StatusWaitingFeedback SessionStatus = "waiting_feedback"
	// StatusEditing 已发出修订请求，等待 diff 结果
	StatusEditing SessionStatus = "editing"
	// StatusCompleted 章节已确认完成
	StatusCompleted SessionStatus = "completed"
	// StatusCardEditing 正交的伴生实体（设定卡）编辑模式
	StatusCardEditing SessionStatus = "card_editing"
)

// StreamingState 描述一个章节的流式展示状态
// 归属于其章节本身，与当前视觉焦点无关
type StreamingState struct {
	Active   bool `json:"active"`
	Progress int  `json:"progress"` // 进度百分比 (0-100)
	Current  int  `json:"current"`  // 已展示的字符数
	Total    int  `json:"total"`    // 目标总字符数
}

// ChapterLogEntry 章节级日志条目（有界，最旧的先淘汰）
type ChapterLogEntry struct {
	Level     string    `json:"level"` // info, warning, error
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ProgressEvent 章节级进度事件（有界，最旧的先淘汰）
type ProgressEvent struct {
	Status    SessionStatus `json:"status"`
	Message   string        `json:"message"`
	Progress  int           `json:"progress"`
	Iteration int           `json:"iteration"`
	Timestamp time.Time     `json:"timestamp"`
}

// SessionSnapshot 是会话服务对外暴露的章节会话快照
type SessionSnapshot struct {
	Chapter        ChapterKey        `json:"chapter"`
	Status         SessionStatus     `json:"status"`
	Content        string            `json:"content"`
	Title          string            `json:"title"`
	Version        string            `json:"version"` // v1, v2, ...
	Iteration      int               `json:"iteration"`
	Streaming      StreamingState    `json:"streaming"`
	HasDiffReview  bool              `json:"has_diff_review"`
	LogEntries     []ChapterLogEntry `json:"log_entries"`
	ProgressEvents []ProgressEvent   `json:"progress_events"`
}
