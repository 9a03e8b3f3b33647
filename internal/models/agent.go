// internal/models/agent.go
package models

// SceneBrief 场景简报（资料管理员智能体的产物）
type SceneBrief struct {
	Chapter          ChapterKey          `json:"chapter"`
	Title            string              `json:"title"`
	Goal             string              `json:"goal"`
	Characters       []map[string]string `json:"characters,omitempty"`
	WorldConstraints []string            `json:"world_constraints,omitempty"`
	StyleReminder    string              `json:"style_reminder,omitempty"`
	Forbidden        []string            `json:"forbidden,omitempty"`
}

// CardProposal 新设定卡提案（从生成内容中检测到的新实体）
type CardProposal struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"` // Character, World, Rule
	Description string  `json:"description"`
	Rationale   string  `json:"rationale,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
}

// StartSessionRequest 开始写作会话的请求
type StartSessionRequest struct {
	Chapter         ChapterKey `json:"chapter"`
	ChapterTitle    string     `json:"chapter_title"`
	ChapterGoal     string     `json:"chapter_goal"`
	TargetWordCount int        `json:"target_word_count"`
	CharacterNames  []string   `json:"character_names,omitempty"`
}

// StartSessionResult 开始写作会话的响应
type StartSessionResult struct {
	Success    bool           `json:"success"`
	Status     string         `json:"status,omitempty"`
	SceneBrief *SceneBrief    `json:"scene_brief,omitempty"`
	DraftV1    string         `json:"draft_v1,omitempty"`
	DraftV2    string         `json:"draft_v2,omitempty"`
	Questions  []string       `json:"questions,omitempty"` // 需要用户澄清的问题
	Proposals  []CardProposal `json:"proposals,omitempty"`
	Iteration  int            `json:"iteration,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// SuggestEditRequest 建议编辑（修订）请求
type SuggestEditRequest struct {
	Chapter         ChapterKey `json:"chapter"`
	BaselineContent string     `json:"baseline_content"`
	Instruction     string     `json:"instruction"`
	SelectionStart  int        `json:"selection_start,omitempty"`
	SelectionEnd    int        `json:"selection_end,omitempty"`
	ContextMode     string     `json:"context_mode,omitempty"` // full, selection
}

// SuggestEditResult 建议编辑的响应
type SuggestEditResult struct {
	Success        bool   `json:"success"`
	RevisedContent string `json:"revised_content,omitempty"`
	Error          string `json:"error,omitempty"`
}

// PersistRequest 持久化章节内容的请求
type PersistRequest struct {
	Chapter ChapterKey `json:"chapter"`
	Content string     `json:"content"`
	Title   string     `json:"title,omitempty"`
}

// PersistResult 持久化章节内容的响应
type PersistResult struct {
	Success bool       `json:"success"`
	Chapter ChapterKey `json:"chapter,omitempty"`
	Title   string     `json:"title,omitempty"`
	Version string     `json:"version,omitempty"` // 保存后的版本号 v1, v2, ...
	Error   string     `json:"error,omitempty"`
}
