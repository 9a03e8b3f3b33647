// internal/mockagent/server.go
package mockagent

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/novix-app/novix-engine/internal/models"
)

// Script 控制模拟后端的行为
type Script struct {
	// Questions 非空时，开始会话返回澄清问题而不是草稿
	Questions []string
	// Draft 开始会话返回的草稿全文；为空时生成占位内容
	Draft string
	// StreamDraft 为 true 时草稿通过双工通道分片推送，
	// HTTP 响应只确认会话已接受
	StreamDraft bool
	// Revise 修订函数；为 nil 时默认在末尾追加一段
	Revise func(baseline, instruction string) string
}

// Server 模拟的智能体后端
//
// 实现引擎消费的三个 HTTP 边界操作与双工通道端点，
// 供演示程序与集成测试使用，不做任何真实推理。
type Server struct {
	router *gin.Engine
	hub    *hub
	script Script

	mu       sync.Mutex
	drafts   map[string]string // projectID/chapter -> 内容
	versions map[string]int    // projectID/chapter -> 版本号
}

// NewServer 创建模拟后端
func NewServer(script Script) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:   gin.New(),
		hub:      newHub(),
		script:   script,
		drafts:   make(map[string]string),
		versions: make(map[string]int),
	}
	s.routes()
	return s
}

// Router 返回底层路由（供 httptest 使用）
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Broadcast 向项目的所有连接广播一条消息
func (s *Server) Broadcast(projectID string, envelope models.Envelope) {
	s.hub.broadcast(projectID, envelope)
}

// Close 关闭所有连接
func (s *Server) Close() {
	s.hub.closeAll()
}

// DraftVersion 返回章节当前的持久化版本号（0 表示从未保存）
func (s *Server) DraftVersion(projectID string, chapter models.ChapterKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[draftKey(projectID, chapter)]
}

// StoredDraft 返回章节最近持久化的内容
func (s *Server) StoredDraft(projectID string, chapter models.ChapterKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[draftKey(projectID, chapter)]
}

func (s *Server) routes() {
	s.router.POST("/projects/:project_id/session/start", s.handleStartSession)
	s.router.POST("/projects/:project_id/session/suggest-edit", s.handleSuggestEdit)
	s.router.PUT("/projects/:project_id/drafts/:chapter_id/content", s.handlePersist)
	s.router.GET("/ws/:project_id/session", s.handleSession)
}

// handleStartSession 开始写作会话
func (s *Server) handleStartSession(c *gin.Context) {
	projectID := c.Param("project_id")

	var req models.StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.StartSessionResult{
			Success: false,
			Error:   "无效的请求体: " + err.Error(),
		})
		return
	}

	// 脚本要求澄清时先返回问题
	if len(s.script.Questions) > 0 {
		c.JSON(http.StatusOK, models.StartSessionResult{
			Success:   true,
			Status:    "waiting_user_input",
			Questions: s.script.Questions,
		})
		return
	}

	draft := s.script.Draft
	if draft == "" {
		draft = placeholderDraft(req)
	}

	brief := &models.SceneBrief{
		Chapter: req.Chapter,
		Title:   req.ChapterTitle,
		Goal:    req.ChapterGoal,
	}

	// 推送模式：HTTP 只确认接受，内容走双工通道分片到达
	if s.script.StreamDraft {
		go s.streamDraft(projectID, req.Chapter, draft)
		c.JSON(http.StatusOK, models.StartSessionResult{
			Success:    true,
			Status:     "generating",
			SceneBrief: brief,
		})
		return
	}

	c.JSON(http.StatusOK, models.StartSessionResult{
		Success:    true,
		Status:     "waiting_feedback",
		SceneBrief: brief,
		DraftV1:    draft,
		DraftV2:    draft,
	})
}

// handleSuggestEdit 修订请求
func (s *Server) handleSuggestEdit(c *gin.Context) {
	var req models.SuggestEditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.SuggestEditResult{
			Success: false,
			Error:   "无效的请求体: " + err.Error(),
		})
		return
	}

	revise := s.script.Revise
	if revise == nil {
		revise = defaultRevise
	}

	c.JSON(http.StatusOK, models.SuggestEditResult{
		Success:        true,
		RevisedContent: revise(req.BaselineContent, req.Instruction),
	})
}

// handlePersist 持久化章节内容，版本号 v1, v2, ... 递增
func (s *Server) handlePersist(c *gin.Context) {
	projectID := c.Param("project_id")
	chapter := models.ChapterKey(c.Param("chapter_id"))

	var req models.PersistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.PersistResult{
			Success: false,
			Error:   "无效的请求体: " + err.Error(),
		})
		return
	}

	key := draftKey(projectID, chapter)

	s.mu.Lock()
	s.versions[key]++
	version := s.versions[key]
	s.drafts[key] = req.Content
	s.mu.Unlock()

	c.JSON(http.StatusOK, models.PersistResult{
		Success: true,
		Chapter: chapter,
		Title:   req.Title,
		Version: "v" + strconv.Itoa(version),
	})
}

// streamDraft 通过双工通道分片推送一份草稿
func (s *Server) streamDraft(projectID string, chapter models.ChapterKey, draft string) {
	s.Broadcast(projectID, models.Envelope{Type: models.EnvelopeStartAck, Chapter: chapter})
	s.Broadcast(projectID, models.Envelope{Type: models.EnvelopeSceneBrief, Chapter: chapter, Message: "场景简报已生成"})
	s.Broadcast(projectID, models.Envelope{Type: models.EnvelopeDraftV1, Chapter: chapter, Message: "初稿已完成"})

	runes := []rune(draft)
	s.Broadcast(projectID, models.Envelope{
		Type:     models.EnvelopeStreamStart,
		Chapter:  chapter,
		Progress: len(runes),
	})

	// 每片约40个字符
	const chunkSize = 40
	for start := 0; start < len(runes); start += chunkSize {
		end := min(start+chunkSize, len(runes))
		s.Broadcast(projectID, models.Envelope{
			Type:    models.EnvelopeToken,
			Chapter: chapter,
			Content: string(runes[start:end]),
		})
	}

	// 结束消息携带全文，接收端以它做最终赋值
	s.Broadcast(projectID, models.Envelope{
		Type:    models.EnvelopeStreamEnd,
		Chapter: chapter,
		Content: draft,
	})
}

// ----------------------------------------
// 辅助函数
// ----------------------------------------

func draftKey(projectID string, chapter models.ChapterKey) string {
	return projectID + "/" + string(chapter)
}

func placeholderDraft(req models.StartSessionRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", req.ChapterTitle)
	fmt.Fprintf(&b, "夜色落在城墙上，风把旗帜吹得猎猎作响。\n")
	fmt.Fprintf(&b, "本章目标：%s\n", req.ChapterGoal)
	fmt.Fprintf(&b, "他沿着石阶走下去，没有回头。\n")
	return b.String()
}

func defaultRevise(baseline, instruction string) string {
	return baseline + "\n\n（按要求修订：" + instruction + "）"
}
