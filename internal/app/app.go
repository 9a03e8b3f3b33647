// internal/app/app.go
package app

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/novix-app/novix-engine/internal/agent"
	"github.com/novix-app/novix-engine/internal/config"
	"github.com/novix-app/novix-engine/internal/conn"
	"github.com/novix-app/novix-engine/internal/di"
	"github.com/novix-app/novix-engine/internal/services"
	"github.com/novix-app/novix-engine/internal/utils"
)

// App 引擎应用实例
type App struct {
	config   *config.Config
	engine   *Engine
	stopChan chan os.Signal
}

// Engine 聚合引擎的各个服务，是上层（编辑器界面）的唯一入口
type Engine struct {
	Config   *config.Config
	Sessions *services.SessionService
	Autosave *services.AutosaveService
	Cache    *services.CacheService
	Progress *services.ProgressService
	Lock     *services.AILock
	Conn     *conn.Manager
	Client   agent.Client
}

// 全局应用实例（单例模式）
var (
	instance *App
	appOnce  sync.Once
)

// GetApp 获取应用实例
func GetApp() *App {
	appOnce.Do(func() {
		instance = &App{
			stopChan: make(chan os.Signal, 1),
		}
	})
	return instance
}

// Initialize 初始化应用：配置、日志、服务与连接
func Initialize() error {
	app := GetApp()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	app.config = cfg

	if err := initLogger(cfg.LogDir); err != nil {
		return fmt.Errorf("初始化日志系统失败: %w", err)
	}

	engine, err := InitServices(cfg)
	if err != nil {
		return fmt.Errorf("初始化服务失败: %w", err)
	}
	app.engine = engine

	log.Printf("🚀 写作会话引擎已初始化 (项目: %s, 后端: %s)", cfg.ProjectID, cfg.BackendURL)
	return nil
}

// initLogger 初始化日志系统，日志文件按日期命名
func initLogger(logDir string) error {
	logFile := filepath.Join(logDir, fmt.Sprintf("engine_%s.log", time.Now().Format("2006-01-02")))
	return utils.InitLogger(logFile)
}

// InitServices 按依赖顺序创建并注册引擎服务
func InitServices(cfg *config.Config) (*Engine, error) {
	container := di.GetContainer()

	// 基础服务：没有相互依赖
	aiLock := services.NewAILock()
	container.Register("ai_lock", aiLock)

	cacheService := services.NewCacheService(cfg.CacheSize)
	container.Register("cache", cacheService)

	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	// 后端边界
	client := agent.NewHTTPClient(cfg.BackendURL, cfg.RequestTimeout)
	container.Register("agent", client)

	// 会话状态机依赖锁、缓存、进度与后端边界
	sessionService := services.NewSessionService(services.SessionConfig{
		ProjectID:       cfg.ProjectID,
		ContextLines:    cfg.ContextLines,
		TruncationGuard: cfg.TruncationGuard,
		MaxIterations:   cfg.MaxIterations,
		FrameInterval:   cfg.FrameInterval,
	}, aiLock, cacheService, progressService, client)
	container.Register("sessions", sessionService)

	autosaveService := services.NewAutosaveService(sessionService, client, cfg.AutosaveDebounce, cfg.AutosaveTimeout)
	container.Register("autosave", autosaveService)

	// 双工通道：入站消息全部交给会话状态机
	manager := conn.NewManager(cfg.WSBaseURL, cfg.ProjectID, conn.Options{
		PingInterval: cfg.PingInterval,
	}, sessionService.HandleEnvelope, func(status conn.Status) {
		log.Printf("🔌 会话通道状态: %s", status)
	})
	container.Register("conn", manager)

	return &Engine{
		Config:   cfg,
		Sessions: sessionService,
		Autosave: autosaveService,
		Cache:    cacheService,
		Progress: progressService,
		Lock:     aiLock,
		Conn:     manager,
		Client:   client,
	}, nil
}

// GetEngine 返回引擎服务聚合
func (a *App) GetEngine() *Engine {
	return a.engine
}

// GetConfig 返回应用配置
func (a *App) GetConfig() *config.Config {
	return a.config
}

// Connect 建立双工通道连接
func (a *App) Connect() error {
	if a.engine == nil {
		return fmt.Errorf("应用未初始化")
	}
	return a.engine.Conn.Connect()
}

// WaitForShutdown 阻塞直到收到退出信号，然后清理资源
func (a *App) WaitForShutdown() {
	signal.Notify(a.stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-a.stopChan

	log.Println("⏳ 正在关闭写作会话引擎...")
	a.Cleanup()
	log.Println("✅ 写作会话引擎已退出")
}

// Cleanup 释放引擎资源：停掉自动保存，断开连接
func (a *App) Cleanup() {
	if a.engine == nil {
		return
	}

	a.engine.Autosave.Close()
	a.engine.Conn.Close()
}

// SwitchProject 切换项目：重置会话、缓存与自动保存，重建连接
func (a *App) SwitchProject(projectID string) error {
	if a.engine == nil {
		return fmt.Errorf("应用未初始化")
	}

	a.engine.Conn.Close()
	a.engine.Sessions.ResetProject(projectID)
	a.engine.Autosave.Reset()

	manager := conn.NewManager(a.config.WSBaseURL, projectID, conn.Options{
		PingInterval: a.config.PingInterval,
	}, a.engine.Sessions.HandleEnvelope, func(status conn.Status) {
		log.Printf("🔌 会话通道状态: %s", status)
	})
	a.engine.Conn = manager
	di.GetContainer().Register("conn", manager)

	log.Printf("✅ 已切换到项目 %s", projectID)
	return manager.Connect()
}
