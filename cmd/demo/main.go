// cmd/demo/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/novix-app/novix-engine/internal/app"
	"github.com/novix-app/novix-engine/internal/diff"
	"github.com/novix-app/novix-engine/internal/mockagent"
	"github.com/novix-app/novix-engine/internal/models"
	"github.com/novix-app/novix-engine/internal/services"
	"github.com/novix-app/novix-engine/internal/streaming"
)

const demoAddr = "127.0.0.1:18080"

func main() {
	log.Println("🚀 启动 NOVIX 写作会话引擎演示...")

	// 1. 启动内置的模拟后端
	backend := mockagent.NewServer(mockagent.Script{})
	server := &http.Server{Addr: demoAddr, Handler: backend.Router()}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ 模拟后端启动失败: %v", err)
		}
	}()
	defer func() {
		backend.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()
	time.Sleep(200 * time.Millisecond)
	log.Printf("✅ 模拟后端已就绪 (%s)", demoAddr)

	// 2. 配置并初始化引擎
	os.Setenv("NOVIX_BACKEND_URL", "http://"+demoAddr)
	os.Setenv("NOVIX_WS_URL", "ws://"+demoAddr)
	os.Setenv("NOVIX_PROJECT_ID", "demo-project")

	if err := app.Initialize(); err != nil {
		log.Fatalf("❌ 初始化引擎失败: %v", err)
	}
	engine := app.GetApp().GetEngine()
	defer app.GetApp().Cleanup()

	engine.Sessions.OnNotice(func(notice services.Notice) {
		log.Printf("🔔 %s", notice.Message)
	})
	engine.Sessions.OnStream(func(update streaming.Update) {
		if update.Done {
			log.Printf("✅ 章节 %s 流式展示完成 (%d 字符)", update.Chapter, update.Total)
		}
	})

	// 3. 建立双工通道
	if err := app.GetApp().Connect(); err != nil {
		log.Fatalf("❌ 连接会话通道失败: %v", err)
	}

	// 4. 聚焦章节并发起写作会话
	chapter := models.ChapterKey("C1")
	if _, err := engine.Sessions.Focus(chapter); err != nil {
		log.Fatalf("❌ 聚焦章节失败: %v", err)
	}
	log.Printf("📖 已聚焦章节 %s", chapter)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := engine.Sessions.Start(ctx, models.StartSessionRequest{
		Chapter:      chapter,
		ChapterTitle: "第一章 夜行",
		ChapterGoal:  "主角潜入城防，发现密道入口",
	})
	if err != nil {
		log.Fatalf("❌ 发起写作会话失败: %v", err)
	}
	log.Printf("✅ 会话已发起 (状态: %s)", result.Status)

	// 等待流式展示完成，进入等待反馈状态
	waitForStatus(engine.Sessions, chapter, models.StatusWaitingFeedback, 15*time.Second)

	snapshot, _ := engine.Sessions.Snapshot(chapter)
	fmt.Println("----------------------------------------")
	fmt.Println(snapshot.Content)
	fmt.Println("----------------------------------------")

	// 5. 请求修订并评审 diff
	review, err := engine.Sessions.RequestRevision(ctx, chapter, "结尾加一段环境描写")
	if err != nil {
		log.Fatalf("❌ 修订失败: %v", err)
	}
	log.Printf("📝 修订返回 %d 处变更 (+%d/-%d 行)",
		len(review.Result.Hunks), review.Result.Stats.Additions, review.Result.Stats.Deletions)

	for _, hunk := range review.Result.Hunks {
		if err := engine.Sessions.SetDecision(chapter, hunk.ID, diff.DecisionAccepted); err != nil {
			log.Fatalf("❌ 设置评审决定失败: %v", err)
		}
	}
	content, err := engine.Sessions.ApplyReview(chapter)
	if err != nil {
		log.Fatalf("❌ 应用评审失败: %v", err)
	}
	log.Printf("✅ 评审已应用 (%d 字符)", len([]rune(content)))

	// 6. 手动编辑并等待自动保存
	engine.Sessions.UpdateManualContent(chapter, content+"\n他在黑暗中停了很久。", "")
	updated, _ := engine.Sessions.Snapshot(chapter)
	engine.Autosave.Schedule(chapter, updated.Content, updated.Title)
	if err := engine.Autosave.Flush(chapter); err != nil {
		log.Printf("⚠️ 自动保存失败: %v", err)
	}

	// 7. 确认章节完成
	if err := engine.Sessions.Confirm(chapter); err != nil {
		log.Fatalf("❌ 确认章节失败: %v", err)
	}

	final, _ := engine.Sessions.Snapshot(chapter)
	log.Printf("🎉 演示完成：章节 %s 状态 %s，版本 %s，迭代 %d 轮",
		chapter, final.Status, final.Version, final.Iteration)
}

// waitForStatus 轮询等待章节进入目标状态
func waitForStatus(sessions *services.SessionService, chapter models.ChapterKey, target models.SessionStatus, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snapshot, exists := sessions.Snapshot(chapter); exists && snapshot.Status == target {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Printf("⚠️ 等待章节 %s 进入状态 %s 超时", chapter, target)
}
