// internal/models/envelope.go
package models

// EnvelopeType 双工通道入站消息的类型
type EnvelopeType string

const (
	EnvelopeStartAck    EnvelopeType = "start_ack"
	EnvelopeStreamStart EnvelopeType = "stream_start"
	EnvelopeToken       EnvelopeType = "token"
	EnvelopeStreamEnd   EnvelopeType = "stream_end"
	EnvelopeSceneBrief  EnvelopeType = "scene_brief"
	EnvelopeDraftV1     EnvelopeType = "draft_v1"
	EnvelopeFinalDraft  EnvelopeType = "final_draft"
	EnvelopeError       EnvelopeType = "error"
	EnvelopeStatus      EnvelopeType = "status"
	// EnvelopeConnected 服务端在连接建立后立即下发的欢迎消息
	EnvelopeConnected EnvelopeType = "connected"
	// EnvelopePong 心跳回显
	EnvelopePong EnvelopeType = "pong"
)

// Envelope 双工通道上的一条消息
// Chapter 为空时路由到哨兵桶（连接级通知）
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Chapter   ChapterKey   `json:"chapter,omitempty"`
	ProjectID string       `json:"project_id,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   string       `json:"message,omitempty"`
	Content   string       `json:"content,omitempty"`
	Progress  int          `json:"progress,omitempty"`
	Iteration int          `json:"iteration,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// PingMessage 出站的周期性心跳
type PingMessage struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}
