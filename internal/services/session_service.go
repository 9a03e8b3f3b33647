// internal/services/session_service.go
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/novix-app/novix-engine/internal/agent"
	"github.com/novix-app/novix-engine/internal/chapterid"
	"github.com/novix-app/novix-engine/internal/diff"
	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
	"github.com/novix-app/novix-engine/internal/streaming"
	"github.com/novix-app/novix-engine/internal/utils"
)

// 每个章节保留的日志条目上限，最旧的先淘汰
const maxLogEntries = 50

// DefaultMaxIterations 修订迭代次数上限，超过后建议确认当前版本或手动编辑
const DefaultMaxIterations = 5

// DiffReview 一次修订产生的待评审 diff
// 归属于唯一的章节；所有决定解决并应用后清除，或被显式丢弃
type DiffReview struct {
	Chapter         models.ChapterKey        `json:"chapter"`
	OriginalContent string                   `json:"original_content"`
	RevisedContent  string                   `json:"revised_content"`
	Result          *diff.Result             `json:"result"`
	Decisions       map[string]diff.Decision `json:"decisions"`
}

// Notice 非阻塞通知（例如后台章节生成完成）
type Notice struct {
	Chapter models.ChapterKey `json:"chapter"`
	Level   string            `json:"level"`
	Message string            `json:"message"`
}

// chapterSession 单个章节的会话记录
// 按章节键惰性创建，项目切换时整体淘汰
type chapterSession struct {
	chapter    models.ChapterKey
	status     models.SessionStatus
	prevStatus models.SessionStatus // card_editing 退出后恢复的状态
	content    string
	title      string
	version    string
	iteration  int
	dirty      bool // 有未持久化的修改
	questions  []string
	proposals  []models.CardProposal
	sceneBrief *models.SceneBrief
	review     *DiffReview
	reveal     *streaming.Reveal
	logs       []models.ChapterLogEntry
	startReq   models.StartSessionRequest // waiting_user_input 恢复时复用
}

// SessionConfig 会话服务配置
type SessionConfig struct {
	ProjectID       string
	ContextLines    int           // diff hunk 两侧的上下文行数
	TruncationGuard bool          // 截断修正启发式开关
	MaxIterations   int           // 修订迭代上限
	FrameInterval   time.Duration // 流式展示的渲染节拍
	Clock           streaming.Clock
}

// SessionService 章节写作会话的状态机引擎
//
// 每个章节一个独立的状态机实例，复用同一条连接与同一个 AI 锁。
// 所有获取锁的转换在每条退出路径（包括失败）上都配对释放——
// 任何转换都不得在没有在途异步工作的情况下持锁。
type SessionService struct {
	mu       sync.Mutex
	cfg      SessionConfig
	sessions map[models.ChapterKey]*chapterSession
	focused  models.ChapterKey

	lock     *AILock
	cache    *CacheService
	progress *ProgressService
	client   agent.Client

	onNotice func(Notice)
	onStream func(streaming.Update)
}

// NewSessionService 创建会话服务
func NewSessionService(cfg SessionConfig, lock *AILock, cache *CacheService, progress *ProgressService, client agent.Client) *SessionService {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ContextLines < 0 {
		cfg.ContextLines = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = streaming.NewRealClock()
	}

	return &SessionService{
		cfg:      cfg,
		sessions: make(map[models.ChapterKey]*chapterSession),
		focused:  models.NoChapter,
		lock:     lock,
		cache:    cache,
		progress: progress,
		client:   client,
	}
}

// OnNotice 注册非阻塞通知回调
func (s *SessionService) OnNotice(fn func(Notice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = fn
}

// OnStream 注册流式刷新回调（推送给上层界面）
func (s *SessionService) OnStream(fn func(streaming.Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStream = fn
}

// Lock 返回 AI 锁（供自动保存等旁路检查）
func (s *SessionService) Lock() *AILock {
	return s.lock
}

// ProjectID 返回当前项目ID
func (s *SessionService) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ProjectID
}

// ========================================
// 焦点与快照
// ========================================

// Focus 切换当前视觉焦点章节，惰性创建会话并返回快照
// 焦点离开一个持锁章节不会取消其后台工作
func (s *SessionService) Focus(chapter models.ChapterKey) (models.SessionSnapshot, error) {
	if !chapterid.Validate(string(chapter)) {
		return models.SessionSnapshot{}, apperrors.NewValidationError(
			fmt.Sprintf("无效的章节ID: %s", chapter), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.focused = chapter
	sess := s.ensureLocked(chapter)
	return s.snapshotLocked(sess), nil
}

// Focused 返回当前焦点章节
func (s *SessionService) Focused() models.ChapterKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// Snapshot 返回章节会话快照；章节不存在时返回 false
func (s *SessionService) Snapshot(chapter models.ChapterKey) (models.SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists {
		return models.SessionSnapshot{}, false
	}
	return s.snapshotLocked(sess), true
}

// Questions 返回章节等待用户回答的澄清问题
func (s *SessionService) Questions(chapter models.ChapterKey) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists {
		return nil
	}
	return append([]string{}, sess.questions...)
}

// Proposals 返回生成过程中检测到的新设定卡提案
func (s *SessionService) Proposals(chapter models.ChapterKey) []models.CardProposal {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists {
		return nil
	}
	return append([]models.CardProposal{}, sess.proposals...)
}

// SceneBrief 返回本轮生成使用的场景简报
func (s *SessionService) SceneBrief(chapter models.ChapterKey) *models.SceneBrief {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists {
		return nil
	}
	return sess.sceneBrief
}

// Status 返回整体会话状态（持锁章节视角）
func (s *SessionService) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder := s.lock.Holder()
	status := models.StatusIdle
	iteration := 0
	if sess, exists := s.sessions[holder]; exists {
		status = sess.status
		iteration = sess.iteration
	}

	return map[string]interface{}{
		"status":     status,
		"project_id": s.cfg.ProjectID,
		"chapter":    holder,
		"iteration":  iteration,
	}
}

// ========================================
// 生成流程
// ========================================

// Start 为章节发起写作会话: idle --start--> starting
//
// 在派发任何网络请求之前先尝试获取 AI 锁，
// 其他章节持锁时立即以冲突错误拒绝，不产生状态转换
func (s *SessionService) Start(ctx context.Context, req models.StartSessionRequest) (*models.StartSessionResult, error) {
	if !chapterid.Validate(string(req.Chapter)) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("无效的章节ID: %s", req.Chapter), nil)
	}

	s.mu.Lock()
	sess := s.ensureLocked(req.Chapter)

	switch sess.status {
	case models.StatusIdle, models.StatusCompleted, models.StatusWaitingFeedback:
		// 可以开始新一轮生成
	default:
		s.mu.Unlock()
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 当前状态 %s 不能开始生成", req.Chapter, sess.status), nil)
	}

	if err := s.lock.Acquire(req.Chapter); err != nil {
		s.logLocked(sess, "error", err.Error())
		s.mu.Unlock()
		return nil, err
	}

	sess.status = models.StatusStarting
	sess.title = req.ChapterTitle
	sess.iteration = 0
	sess.review = nil
	sess.startReq = req
	s.logLocked(sess, "info", "写作会话已发起")
	s.recordLocked(sess, "资料管理员正在整理设定...", 0)

	// 新一轮生成开始，取消本章节残留的流式展示
	reveal := sess.reveal
	s.mu.Unlock()
	if reveal != nil {
		reveal.Cancel()
	}

	return s.runStart(ctx, req)
}

// SubmitAnswers 提交澄清回答: waiting_user_input --answers--> starting (resumed)
func (s *SessionService) SubmitAnswers(ctx context.Context, chapter models.ChapterKey, answers []string) (*models.StartSessionResult, error) {
	s.mu.Lock()
	sess, exists := s.sessions[chapter]
	if !exists || sess.status != models.StatusWaitingUserInput {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 没有等待回答的会话", chapter), nil)
	}

	if err := s.lock.Acquire(chapter); err != nil {
		s.logLocked(sess, "error", err.Error())
		s.mu.Unlock()
		return nil, err
	}

	req := sess.startReq
	for _, answer := range answers {
		req.ChapterGoal += "\n" + answer
	}
	sess.startReq = req
	sess.status = models.StatusStarting
	sess.questions = nil
	s.logLocked(sess, "info", "已提交澄清回答，会话恢复")
	s.recordLocked(sess, "会话恢复中...", 0)
	s.mu.Unlock()

	return s.runStart(ctx, req)
}

// runStart 调用后端并处理开始会话的结果（锁已由调用方获取）
func (s *SessionService) runStart(ctx context.Context, req models.StartSessionRequest) (*models.StartSessionResult, error) {
	result, err := s.client.StartSession(ctx, s.cfg.ProjectID, req)
	if err != nil {
		s.failChapter(req.Chapter, "生成请求失败", err)
		return nil, err
	}
	if !result.Success {
		reqErr := apperrors.NewRequestFailure(
			fmt.Sprintf("生成请求被拒绝: %s", result.Error), nil)
		s.failChapter(req.Chapter, reqErr.Message, nil)
		return result, reqErr
	}

	// 需要用户澄清: starting --clarification required--> waiting_user_input
	if len(result.Questions) > 0 {
		s.mu.Lock()
		if sess, exists := s.sessions[req.Chapter]; exists {
			sess.status = models.StatusWaitingUserInput
			sess.questions = result.Questions
			s.logLocked(sess, "info", "后端要求澄清，等待用户回答")
			s.recordLocked(sess, "等待用户补充信息...", 0)
		}
		s.mu.Unlock()
		// 等待用户期间没有在途工作，不得持锁
		s.lock.Release(req.Chapter)
		return result, nil
	}

	draft := result.DraftV2
	if draft == "" {
		draft = result.DraftV1
	}

	// 响应里没有草稿说明内容走双工通道分片到达:
	// 保持持锁、停在 generating，流结束时由 completeGeneration 收尾并释放
	if draft == "" {
		s.mu.Lock()
		if sess, exists := s.sessions[req.Chapter]; exists {
			sess.status = models.StatusGenerating
			sess.sceneBrief = result.SceneBrief
			sess.proposals = result.Proposals
			s.logLocked(sess, "info", "后端已接受会话，内容将流式到达")
			s.recordLocked(sess, "等待内容流式到达...", 0)
		}
		s.mu.Unlock()
		return result, nil
	}

	// starting --draft arrives--> generating，完整文本走模拟流式路径
	s.mu.Lock()
	sess, exists := s.sessions[req.Chapter]
	if !exists {
		s.mu.Unlock()
		s.lock.Release(req.Chapter)
		return result, nil
	}
	sess.status = models.StatusGenerating
	sess.sceneBrief = result.SceneBrief
	sess.proposals = result.Proposals
	reveal := s.revealLocked(sess)
	s.recordLocked(sess, "草稿已生成，正在展示...", 50)
	s.mu.Unlock()

	reveal.StartSimulated(draft)
	return result, nil
}

// ========================================
// 双工通道入站处理
// ========================================

// HandleEnvelope 处理连接管理器按章节派发来的入站消息
// 推送式流在这里驱动章节的展示引擎
func (s *SessionService) HandleEnvelope(envelope models.Envelope) {
	// 哨兵桶：连接级通知，不属于任何章节
	if envelope.Chapter == models.NoChapter {
		s.notify(Notice{Level: "info", Message: envelope.Message})
		return
	}

	s.mu.Lock()
	sess := s.ensureLocked(envelope.Chapter)

	switch envelope.Type {
	case models.EnvelopeStartAck:
		s.logLocked(sess, "info", "后端已确认会话请求")
		s.mu.Unlock()

	case models.EnvelopeSceneBrief:
		s.recordLocked(sess, "场景简报已生成", 10)
		s.mu.Unlock()

	case models.EnvelopeDraftV1:
		s.recordLocked(sess, "初稿已完成，审校中...", 40)
		s.mu.Unlock()

	case models.EnvelopeStreamStart:
		sess.status = models.StatusGenerating
		reveal := s.revealLocked(sess)
		s.recordLocked(sess, "内容开始流式到达", 0)
		s.mu.Unlock()
		reveal.StartPush(envelope.Progress)

	case models.EnvelopeToken:
		reveal := sess.reveal
		s.mu.Unlock()
		if reveal != nil {
			reveal.AppendFragment(envelope.Content)
		}

	case models.EnvelopeStreamEnd:
		reveal := sess.reveal
		s.mu.Unlock()
		if reveal != nil {
			reveal.FinishPush(envelope.Content)
		}

	case models.EnvelopeFinalDraft:
		reveal := sess.reveal
		s.mu.Unlock()
		if reveal != nil && reveal.State().Active {
			reveal.FinishPush(envelope.Content)
			return
		}
		s.completeGeneration(envelope.Chapter, envelope.Content)

	case models.EnvelopeStatus:
		s.recordLocked(sess, envelope.Message, envelope.Progress)
		s.mu.Unlock()

	case models.EnvelopeError:
		s.mu.Unlock()
		s.failChapter(envelope.Chapter, envelope.Message, nil)

	default:
		s.logLocked(sess, "warning", fmt.Sprintf("未知的消息类型: %s", envelope.Type))
		s.mu.Unlock()
	}
}

// handleStreamUpdate 流式展示引擎的刷新回调
func (s *SessionService) handleStreamUpdate(update streaming.Update) {
	s.mu.Lock()
	onStream := s.onStream
	s.mu.Unlock()

	if onStream != nil {
		onStream(update)
	}

	if update.Done {
		s.completeGeneration(update.Chapter, update.Text)
	}
}

// completeGeneration 流结束后的收尾: generating --stream complete--> waiting_feedback
func (s *SessionService) completeGeneration(chapter models.ChapterKey, content string) {
	s.mu.Lock()
	sess, exists := s.sessions[chapter]
	if !exists || sess.status != models.StatusGenerating {
		s.mu.Unlock()
		return
	}

	sess.content = content
	sess.status = models.StatusWaitingFeedback
	sess.dirty = true
	s.logLocked(sess, "info", "草稿流式展示完成")
	s.recordLocked(sess, "等待用户反馈...", 100)
	title := sess.title
	logs := append([]models.ChapterLogEntry{}, sess.logs...)
	background := s.focused != chapter
	s.mu.Unlock()

	// 生成的内容进入缓存并打上刚生成标记，
	// 防止迟到的空读取覆盖还没来得及持久化的新草稿
	s.cache.Put(chapter, content, title, true)
	s.cache.AppendLog(chapter, logs, s.progress.Tracker(chapter).Events())

	// 终态之一，锁必须释放
	s.lock.Release(chapter)

	if background {
		// 后台章节完成只发非阻塞通知，不打断当前编辑器
		s.notify(Notice{
			Chapter: chapter,
			Level:   "info",
			Message: fmt.Sprintf("章节 %s 的草稿已在后台生成完成", chapter),
		})
	}
}

// ========================================
// 修订与 diff 评审
// ========================================

// RequestRevision 提交修订指令: waiting_feedback --revision--> editing --diff--> waiting_feedback
func (s *SessionService) RequestRevision(ctx context.Context, chapter models.ChapterKey, instruction string) (*DiffReview, error) {
	s.mu.Lock()
	sess, exists := s.sessions[chapter]
	if !exists || sess.status != models.StatusWaitingFeedback {
		s.mu.Unlock()
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 不在等待反馈状态，无法修订", chapter), nil)
	}

	if sess.iteration >= s.cfg.MaxIterations {
		s.mu.Unlock()
		return nil, apperrors.NewRequestFailure(
			"已达到最大迭代次数，建议确认当前版本或手动编辑", nil)
	}

	if err := s.lock.Acquire(chapter); err != nil {
		s.logLocked(sess, "error", err.Error())
		s.mu.Unlock()
		return nil, err
	}

	sess.status = models.StatusEditing
	sess.iteration++
	baseline := sess.content
	iteration := sess.iteration
	s.recordLocked(sess, "根据反馈修订中...", 0)
	s.mu.Unlock()

	result, err := s.client.SuggestEdit(ctx, s.cfg.ProjectID, models.SuggestEditRequest{
		Chapter:         chapter,
		BaselineContent: baseline,
		Instruction:     instruction,
		ContextMode:     "full",
	})
	if err != nil {
		s.revertToFeedback(chapter, "修订请求失败", err)
		return nil, err
	}
	if !result.Success {
		reqErr := apperrors.NewRequestFailure(
			fmt.Sprintf("修订请求被拒绝: %s", result.Error), nil)
		s.revertToFeedback(chapter, reqErr.Message, nil)
		return nil, reqErr
	}

	revised := result.RevisedContent

	// 截断修正启发式：显式开关控制，触发时必须记录警告
	if s.cfg.TruncationGuard {
		fixed, corrected := diff.StabilizeTail(baseline, revised)
		if corrected {
			revised = fixed
			s.mu.Lock()
			if sess, exists := s.sessions[chapter]; exists {
				s.logLocked(sess, "warning", "修订内容疑似被截断，已补回原文尾段")
			}
			s.mu.Unlock()
			utils.GetLogger().Warnf("章节 %s 的修订疑似截断，已做尾部修正", chapter)
		}
	}

	diffResult := diff.Compute(baseline, revised, s.cfg.ContextLines, instruction)

	// 零增零删是硬失败，绝不静默当作成功，也不自动重试
	if diffResult.IsEmpty() {
		emptyErr := apperrors.NewEmptyDiffError("修订未产生任何可应用的变更，请换一种指令")
		s.revertToFeedback(chapter, emptyErr.Message, nil)
		return nil, emptyErr
	}

	review := &DiffReview{
		Chapter:         chapter,
		OriginalContent: baseline,
		RevisedContent:  revised,
		Result:          diffResult,
		Decisions:       diff.DefaultDecisions(diffResult.Hunks),
	}

	s.mu.Lock()
	if sess, exists := s.sessions[chapter]; exists {
		sess.review = review
		sess.status = models.StatusWaitingFeedback
		s.logLocked(sess, "info", fmt.Sprintf("修订完成，共 %d 处变更待评审 (第 %d 轮)",
			len(diffResult.Hunks), iteration))
		s.recordLocked(sess, "修订稿已生成，等待评审", 100)
	}
	s.mu.Unlock()

	// diff 已产出，在途工作结束
	s.lock.Release(chapter)
	return review, nil
}

// Review 返回章节当前待评审的 diff
func (s *SessionService) Review(chapter models.ChapterKey) (*DiffReview, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists || sess.review == nil {
		return nil, false
	}
	return sess.review, true
}

// SetDecision 设置某个 hunk 的评审决定
func (s *SessionService) SetDecision(chapter models.ChapterKey, hunkID string, decision diff.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists || sess.review == nil {
		return apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 没有待评审的 diff", chapter), nil)
	}
	if _, exists := sess.review.Decisions[hunkID]; !exists {
		return apperrors.NewValidationError(
			fmt.Sprintf("未知的 hunk: %s", hunkID), nil)
	}

	sess.review.Decisions[hunkID] = decision
	return nil
}

// ApplyReview 按评审决定重建内容并清除 diff 评审
// pending 的 hunk 视同接受
func (s *SessionService) ApplyReview(chapter models.ChapterKey) (string, error) {
	s.mu.Lock()
	sess, exists := s.sessions[chapter]
	if !exists || sess.review == nil {
		s.mu.Unlock()
		return "", apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 没有待评审的 diff", chapter), nil)
	}

	review := sess.review
	content := diff.ApplyWithDecisions(review.Result.OriginalLines, review.Result.Ops, review.Decisions)
	sess.content = content
	sess.review = nil
	sess.dirty = true
	title := sess.title
	s.logLocked(sess, "info", "评审决定已应用")
	s.mu.Unlock()

	s.cache.Put(chapter, content, title, false)
	return content, nil
}

// DiscardReview 显式丢弃待评审的 diff，保留原内容
func (s *SessionService) DiscardReview(chapter models.ChapterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists || sess.review == nil {
		return apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 没有待评审的 diff", chapter), nil)
	}

	sess.review = nil
	s.logLocked(sess, "info", "diff 评审已丢弃")
	return nil
}

// ========================================
// 确认、取消与伴生模式
// ========================================

// Confirm 确认当前稿件: waiting_feedback --confirm--> completed
func (s *SessionService) Confirm(chapter models.ChapterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists || sess.status != models.StatusWaitingFeedback {
		return apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 不在等待反馈状态，无法确认", chapter), nil)
	}
	if sess.review != nil {
		return apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 还有待评审的 diff，请先应用或丢弃", chapter), nil)
	}

	sess.status = models.StatusCompleted
	s.logLocked(sess, "info", "章节已确认完成")
	s.recordLocked(sess, "章节完成！", 100)
	return nil
}

// CancelSession 显式取消章节会话，释放锁并回到 idle
func (s *SessionService) CancelSession(chapter models.ChapterKey) {
	s.mu.Lock()
	sess, exists := s.sessions[chapter]
	if !exists {
		s.mu.Unlock()
		return
	}

	reveal := sess.reveal
	sess.status = models.StatusIdle
	sess.review = nil
	sess.questions = nil
	s.logLocked(sess, "info", "会话已取消")
	s.recordLocked(sess, "会话已取消", 0)
	s.mu.Unlock()

	if reveal != nil {
		reveal.Cancel()
	}
	s.lock.Release(chapter)
}

// EnterCardEditing 进入伴生实体（设定卡）编辑模式
// 与写作状态正交；流式进行中不允许进入
func (s *SessionService) EnterCardEditing(chapter models.ChapterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureLocked(chapter)
	if sess.status == models.StatusCardEditing {
		return nil
	}
	switch sess.status {
	case models.StatusStarting, models.StatusGenerating, models.StatusEditing:
		return apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 正在生成/修订，不能进入设定卡编辑", chapter), nil)
	}

	sess.prevStatus = sess.status
	sess.status = models.StatusCardEditing
	return nil
}

// ExitCardEditing 退出设定卡编辑模式，恢复之前的状态
func (s *SessionService) ExitCardEditing(chapter models.ChapterKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[chapter]
	if !exists || sess.status != models.StatusCardEditing {
		return apperrors.NewValidationError(
			fmt.Sprintf("章节 %s 不在设定卡编辑模式", chapter), nil)
	}

	sess.status = sess.prevStatus
	if sess.status == "" {
		sess.status = models.StatusIdle
	}
	return nil
}

// ========================================
// 手动编辑与缓存对账
// ========================================

// UpdateManualContent 记录用户的手动编辑
func (s *SessionService) UpdateManualContent(chapter models.ChapterKey, content, title string) {
	s.mu.Lock()
	sess := s.ensureLocked(chapter)
	sess.content = content
	if title != "" {
		sess.title = title
	}
	sess.dirty = true
	cacheTitle := sess.title
	s.mu.Unlock()

	s.cache.Put(chapter, content, cacheTitle, false)
}

// ResolveFetched 对账一次后端读取结果
// 刚生成的非空缓存内容优先于迟到的空读取
func (s *SessionService) ResolveFetched(chapter models.ChapterKey, fetched string) string {
	resolved := s.cache.Resolve(chapter, fetched)

	s.mu.Lock()
	if sess, exists := s.sessions[chapter]; exists {
		sess.content = resolved
	}
	s.mu.Unlock()
	return resolved
}

// MarkSaved 标记章节已成功持久化
func (s *SessionService) MarkSaved(chapter models.ChapterKey, version string) {
	s.mu.Lock()
	if sess, exists := s.sessions[chapter]; exists {
		sess.dirty = false
		if version != "" {
			sess.version = version
		}
	}
	s.mu.Unlock()

	s.cache.ClearLastGenerated(chapter)
}

// MarkDirty 标记章节有未保存的修改（持久化失败后回滚）
func (s *SessionService) MarkDirty(chapter models.ChapterKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, exists := s.sessions[chapter]; exists {
		sess.dirty = true
	}
}

// CanAutosave 检查章节当前是否允许自动保存:
// 必须是焦点章节、没有流式进行、未持有 AI 锁、没有待评审的 diff
func (s *SessionService) CanAutosave(chapter models.ChapterKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.focused != chapter {
		return false
	}
	sess, exists := s.sessions[chapter]
	if !exists {
		return false
	}
	if sess.review != nil {
		return false
	}
	if sess.reveal != nil && sess.reveal.State().Active {
		return false
	}
	return !s.lock.IsHeldBy(chapter)
}

// ========================================
// 项目切换与失败处理
// ========================================

// ResetProject 切换项目：整体淘汰所有章节会话，而不是留下陈旧记录
func (s *SessionService) ResetProject(projectID string) {
	s.mu.Lock()
	reveals := make([]*streaming.Reveal, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.reveal != nil {
			reveals = append(reveals, sess.reveal)
		}
	}
	holder := s.lock.Holder()
	s.sessions = make(map[models.ChapterKey]*chapterSession)
	s.focused = models.NoChapter
	s.cfg.ProjectID = projectID
	s.mu.Unlock()

	for _, reveal := range reveals {
		reveal.Cancel()
	}
	if holder != models.NoChapter {
		s.lock.Release(holder)
	}

	s.cache.Clear()
	s.progress.Clear()
}

// failChapter 统一的失败路径: starting|generating|editing --failure--> idle
// 失败记录到章节日志，锁必须释放
func (s *SessionService) failChapter(chapter models.ChapterKey, message string, cause error) {
	s.mu.Lock()
	sess, exists := s.sessions[chapter]
	var reveal *streaming.Reveal
	if exists {
		if cause != nil {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
		s.logLocked(sess, "error", message)
		s.recordLocked(sess, message, 0)
		sess.status = models.StatusIdle
		reveal = sess.reveal
	}
	s.mu.Unlock()

	if reveal != nil {
		reveal.Cancel()
	}
	s.lock.Release(chapter)
	utils.GetLogger().Errorf("章节 %s 会话失败: %s", chapter, message)
}

// revertToFeedback 修订失败的回退路径: editing --failure--> waiting_feedback
func (s *SessionService) revertToFeedback(chapter models.ChapterKey, message string, cause error) {
	s.mu.Lock()
	if sess, exists := s.sessions[chapter]; exists {
		if cause != nil {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
		s.logLocked(sess, "error", message)
		sess.status = models.StatusWaitingFeedback
	}
	s.mu.Unlock()

	s.lock.Release(chapter)
}

// ========================================
// 内部辅助方法
// ========================================

// ensureLocked 惰性创建章节会话（调用方必须持有 s.mu）
func (s *SessionService) ensureLocked(chapter models.ChapterKey) *chapterSession {
	sess, exists := s.sessions[chapter]
	if !exists {
		sess = &chapterSession{
			chapter: chapter,
			status:  models.StatusIdle,
		}
		s.sessions[chapter] = sess
	}
	return sess
}

// revealLocked 获取或创建章节的流式展示引擎（调用方必须持有 s.mu）
func (s *SessionService) revealLocked(sess *chapterSession) *streaming.Reveal {
	if sess.reveal == nil {
		sess.reveal = streaming.NewReveal(sess.chapter, s.cfg.Clock, s.cfg.FrameInterval, s.handleStreamUpdate)
	}
	return sess.reveal
}

// logLocked 追加有界章节日志（调用方必须持有 s.mu）
func (s *SessionService) logLocked(sess *chapterSession, level, message string) {
	sess.logs = append(sess.logs, models.ChapterLogEntry{
		Level:     level,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(sess.logs) > maxLogEntries {
		sess.logs = sess.logs[len(sess.logs)-maxLogEntries:]
	}
}

// recordLocked 记录进度事件（调用方必须持有 s.mu）
func (s *SessionService) recordLocked(sess *chapterSession, message string, progress int) {
	s.progress.Tracker(sess.chapter).Record(sess.status, message, progress, sess.iteration)
}

func (s *SessionService) snapshotLocked(sess *chapterSession) models.SessionSnapshot {
	streamState := models.StreamingState{}
	if sess.reveal != nil {
		streamState = sess.reveal.State()
	}

	return models.SessionSnapshot{
		Chapter:        sess.chapter,
		Status:         sess.status,
		Content:        sess.content,
		Title:          sess.title,
		Version:        sess.version,
		Iteration:      sess.iteration,
		Streaming:      streamState,
		HasDiffReview:  sess.review != nil,
		LogEntries:     append([]models.ChapterLogEntry{}, sess.logs...),
		ProgressEvents: s.progress.Tracker(sess.chapter).Events(),
	}
}

func (s *SessionService) notify(notice Notice) {
	s.mu.Lock()
	onNotice := s.onNotice
	s.mu.Unlock()

	if onNotice != nil {
		onNotice(notice)
	}
}
