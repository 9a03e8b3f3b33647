// internal/mockagent/ws.go
package mockagent

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/novix-app/novix-engine/internal/models"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient 一条已建立的会话通道连接
type wsClient struct {
	conn      *websocket.Conn
	projectID string
	send      chan []byte
	closed    int32 // 原子操作标志，0=开启，1=关闭
}

// hub 按项目管理会话通道连接
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]bool // projectID -> 连接集合
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]map[*wsClient]bool),
	}
}

// handleSession 双工通道端点: GET /ws/:project_id/session
func (s *Server) handleSession(c *gin.Context) {
	projectID := c.Param("project_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("⚠️ WebSocket 升级失败: %v", err)
		return
	}

	client := &wsClient{
		conn:      conn,
		projectID: projectID,
		send:      make(chan []byte, 256),
	}
	s.hub.register(client)

	// 连接建立后立即下发欢迎消息（不携带章节键）
	welcome, _ := json.Marshal(models.Envelope{
		Type:      models.EnvelopeConnected,
		ProjectID: projectID,
		Message:   "会话通道已建立",
		Timestamp: time.Now().Format(time.RFC3339),
	})
	client.send <- welcome

	go client.writeLoop(s.hub)
	go client.readLoop(s.hub)
}

// readLoop 接收循环：对 ping 回应 pong，其余消息忽略
func (client *wsClient) readLoop(h *hub) {
	defer h.unregister(client)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg map[string]interface{}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}

		if msg["type"] == "ping" {
			pong, _ := json.Marshal(models.Envelope{
				Type:      models.EnvelopePong,
				Timestamp: time.Now().Format(time.RFC3339),
			})
			client.enqueue(pong)
		}
	}
}

// writeLoop 发送循环：串行写出，避免并发写同一连接
func (client *wsClient) writeLoop(h *hub) {
	defer client.conn.Close()

	for data := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.unregister(client)
			return
		}
	}
}

// enqueue 非阻塞入队，队列满则丢弃
func (client *wsClient) enqueue(data []byte) {
	if atomic.LoadInt32(&client.closed) == 1 {
		return
	}
	select {
	case client.send <- data:
	default:
		log.Printf("⚠️ 连接发送队列已满，丢弃消息 (项目: %s)", client.projectID)
	}
}

// ----------------------------------------
// hub 方法
// ----------------------------------------

func (h *hub) register(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[client.projectID] == nil {
		h.clients[client.projectID] = make(map[*wsClient]bool)
	}
	h.clients[client.projectID][client] = true
}

func (h *hub) unregister(client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&client.closed, 0, 1) {
		return
	}

	if set, exists := h.clients[client.projectID]; exists {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.projectID)
		}
	}
	close(client.send)
	client.conn.Close()
}

// broadcast 向项目的所有连接发送一条消息
func (h *hub) broadcast(projectID string, envelope models.Envelope) {
	if envelope.Timestamp == "" {
		envelope.Timestamp = time.Now().Format(time.RFC3339)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients[projectID]))
	for client := range h.clients[projectID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.enqueue(data)
	}
}

// closeAll 关闭所有连接
func (h *hub) closeAll() {
	h.mu.Lock()
	all := make([]*wsClient, 0)
	for _, set := range h.clients {
		for client := range set {
			all = append(all, client)
		}
	}
	h.mu.Unlock()

	for _, client := range all {
		h.unregister(client)
	}
}
