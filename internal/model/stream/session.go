package stream

import (
	"strings"
	"time"
)

// Status 流式会话的任务状态，只允许 processing -> completed/failed 单向迁移。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Correlation 企业微信侧的关联标识，仅存储不解释。
type Correlation struct {
	MessageID string `json:"msgId"`
	ChatID    string `json:"chatId"`
	FromUser  string `json:"fromUser"`
}

// Session 一次流式回答的服务端状态。
type Session struct {
	ID          string      `json:"id"`
	Input       string      `json:"input"`
	Correlation Correlation `json:"correlation"`
	Status      Status      `json:"status"`
	Accumulated []string    `json:"-"`
	Finished    bool        `json:"finished"`
	ErrMessage  string      `json:"errMessage,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// FullText 返回按产出顺序拼接的完整累积内容。
func (s *Session) FullText() string {
	return strings.Join(s.Accumulated, "")
}
