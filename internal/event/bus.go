// Package event 基于 watermill 的进程内事件总线，发布流式会话的生命周期事件。
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Type 事件类型。
type Type string

const (
	StreamCreated   Type = "stream.created"
	StreamChunk     Type = "stream.chunk"
	StreamFinished  Type = "stream.finished"
	StreamFailed    Type = "stream.failed"
	StreamReclaimed Type = "stream.reclaimed"
)

const topic = "stream.events"

// Event 单条流式会话事件。
type Event struct {
	Type     Type      `json:"type"`
	StreamID string    `json:"streamId"`
	Content  string    `json:"content,omitempty"`
	Finished bool      `json:"finished,omitempty"`
	At       time.Time `json:"at"`
}

// Bus 封装 watermill gochannel 的发布/订阅。
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus 创建事件总线。
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 100},
			watermill.NopLogger{},
		),
	}
}

// Publish 发布一条事件，序列化失败时静默丢弃。
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	_ = b.pubsub.Publish(topic, msg)
}

// Subscribe 订阅事件流，返回的 channel 在 ctx 取消后关闭。
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				msg.Ack()
				continue
			}
			msg.Ack()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close 关闭总线，所有订阅 channel 随之关闭。
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
