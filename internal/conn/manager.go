// internal/conn/manager.go
package conn

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/novix-app/novix-engine/internal/errors"
	"github.com/novix-app/novix-engine/internal/models"
)

// Status 连接状态
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// 默认心跳间隔与重连参数
const (
	DefaultPingInterval   = 20 * time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxReconnects  = 5
)

// EnvelopeHandler 入站消息处理回调
type EnvelopeHandler func(envelope models.Envelope)

// StatusHandler 连接状态变化回调
type StatusHandler func(status Status)

// Manager 管理一个项目的长连接双工通道
//
// 每个项目持有一条 WebSocket 连接；入站消息按章节键解复用到
// 各章节专属的队列，保持章节内有序的同时让不同章节的处理互不阻塞。
// 不携带章节键的消息（连接状态通知等）路由到哨兵桶。
// 重连后不请求重发错过的服务端消息，由服务端自行恢复。
type Manager struct {
	projectID    string
	endpoint     string
	dialer       *websocket.Dialer
	pingInterval time.Duration
	redialDelay  time.Duration
	maxRedials   int

	onEnvelope EnvelopeHandler
	onStatus   StatusHandler

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	status  Status
	closed  int32 // 原子操作标志，0=开启，1=关闭
	done    chan struct{}

	dispatch *dispatcher
}

// Options 连接参数
type Options struct {
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	MaxReconnects  int
}

// NewManager 创建项目连接管理器
// baseURL 形如 ws://host:port，实际端点为 {baseURL}/ws/{projectID}/session
func NewManager(baseURL, projectID string, opts Options, onEnvelope EnvelopeHandler, onStatus StatusHandler) *Manager {
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}

	return &Manager{
		projectID:    projectID,
		endpoint:     fmt.Sprintf("%s/ws/%s/session", baseURL, projectID),
		dialer:       websocket.DefaultDialer,
		pingInterval: opts.PingInterval,
		redialDelay:  opts.ReconnectDelay,
		maxRedials:   opts.MaxReconnects,
		onEnvelope:   onEnvelope,
		onStatus:     onStatus,
		status:       StatusDisconnected,
		done:         make(chan struct{}),
		dispatch:     newDispatcher(onEnvelope),
	}
}

// Connect 建立连接并启动读循环与心跳
func (m *Manager) Connect() error {
	m.setStatus(StatusConnecting)

	conn, _, err := m.dialer.Dial(m.endpoint, nil)
	if err != nil {
		m.setStatus(StatusDisconnected)
		return apperrors.NewConnectionError("连接会话通道失败", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	log.Printf("✅ 会话通道已连接 (项目: %s)", m.projectID)

	go m.readLoop(conn)
	go m.pingLoop()
	return nil
}

// Close 关闭连接，停止所有后台协程
func (m *Manager) Close() {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return
	}

	close(m.done)

	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	m.dispatch.shutdown()
	m.setStatus(StatusDisconnected)
	log.Printf("🔌 会话通道已关闭 (项目: %s)", m.projectID)
}

// IsClosed 检查管理器是否已关闭
func (m *Manager) IsClosed() bool {
	return atomic.LoadInt32(&m.closed) == 1
}

// Status 返回当前连接状态
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ----------------------------------------
// 内部方法
// ----------------------------------------

// readLoop 接收循环：解码入站消息并按章节键转发
func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		var envelope models.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if m.IsClosed() {
				return
			}
			log.Printf("⚠️ 会话通道读取失败，准备重连: %v", err)
			m.reconnect()
			return
		}

		// 心跳回显不向上层转发
		if envelope.Type == models.EnvelopePong {
			continue
		}

		m.dispatch.route(envelope)
	}
}

// pingLoop 周期性发送心跳；发送失败只记录不致命
func (m *Manager) pingLoop() {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			conn := m.conn
			m.mu.Unlock()
			if conn == nil {
				continue
			}

			ping := models.PingMessage{
				Type:      "ping",
				Timestamp: time.Now().Format(time.RFC3339),
			}

			m.writeMu.Lock()
			err := conn.WriteJSON(ping)
			m.writeMu.Unlock()
			if err != nil {
				// 尽力而为，心跳失败不中断会话
				log.Printf("⚠️ 心跳发送失败: %v", err)
			}

		case <-m.done:
			return
		}
	}
}

// reconnect 断线后的重连流程
// 成功恢复为 connected，超过最大次数降级为 disconnected
// 不尝试重传错过的消息
func (m *Manager) reconnect() {
	m.setStatus(StatusReconnecting)

	for attempt := 1; attempt <= m.maxRedials; attempt++ {
		select {
		case <-m.done:
			return
		case <-time.After(m.redialDelay):
		}

		conn, _, err := m.dialer.Dial(m.endpoint, nil)
		if err != nil {
			log.Printf("⚠️ 重连失败 (第 %d/%d 次): %v", attempt, m.maxRedials, err)
			continue
		}

		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
		}
		m.conn = conn
		m.mu.Unlock()

		m.setStatus(StatusConnected)
		log.Printf("✅ 会话通道已重连 (项目: %s)", m.projectID)
		go m.readLoop(conn)
		return
	}

	m.setStatus(StatusDisconnected)
	log.Printf("❌ 会话通道重连超过最大次数，放弃 (项目: %s)", m.projectID)
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()

	if changed && m.onStatus != nil {
		m.onStatus(status)
	}
}
