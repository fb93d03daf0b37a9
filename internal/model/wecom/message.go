// Package wecom 定义企业微信智能机器人回调协议的消息结构。
package wecom

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// 消息类型。
const (
	MsgTypeText   = "text"
	MsgTypeStream = "stream"
	MsgTypeEvent  = "event"
	MsgTypeImage  = "image"
	MsgTypeVoice  = "voice"
)

// mentionPattern 去掉 "@机器人名 " 前缀。
var mentionPattern = regexp.MustCompile(`@[\p{L}\p{N}_]+\s*`)

// Message 解析后的入站回调消息。
type Message struct {
	MsgType   string
	AIBotID   string
	FromUser  string
	ChatID    string
	ChatType  string
	MsgID     string
	Content   string
	StreamID  string
	EventType string
}

type rawMessage struct {
	MsgType  string `json:"msgtype"`
	AIBotID  string `json:"aibotid"`
	ChatID   string `json:"chatid"`
	ChatType string `json:"chattype"`
	MsgID    string `json:"msgid"`
	From     struct {
		UserID string `json:"userid"`
	} `json:"from"`
	Text struct {
		Content string `json:"content"`
	} `json:"text"`
	Stream struct {
		ID string `json:"id"`
	} `json:"stream"`
	Event struct {
		EventType string `json:"eventtype"`
	} `json:"event"`
}

// ParseMessage 解析解密后的 JSON 回调消息。
func ParseMessage(data []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析回调消息失败: %w", err)
	}

	msg := &Message{
		MsgType:  raw.MsgType,
		AIBotID:  raw.AIBotID,
		FromUser: raw.From.UserID,
		ChatID:   raw.ChatID,
		ChatType: raw.ChatType,
		MsgID:    raw.MsgID,
	}

	switch raw.MsgType {
	case MsgTypeText:
		msg.Content = strings.TrimSpace(mentionPattern.ReplaceAllString(raw.Text.Content, ""))
	case MsgTypeStream:
		msg.StreamID = raw.Stream.ID
	case MsgTypeEvent:
		msg.EventType = raw.Event.EventType
	case MsgTypeImage:
		msg.Content = "[图片消息]"
	case MsgTypeVoice:
		msg.Content = "[语音消息]"
	}

	return msg, nil
}
