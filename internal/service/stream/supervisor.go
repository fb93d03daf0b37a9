package stream

import (
	"context"
	"time"

	"github.com/midoclouds/wecom-assistant/internal/logging"
)

// failureText 生成侧出错时投递给用户的通用失败文案。
const failureText = "处理您的请求时出错，请稍后重试。"

// Producer 生成任务。实现方通过 Manager 的 Append/SetFullText 产出内容，
// 并保证最终恰好一次以 finished=true 收尾，或返回错误交由监督逻辑收尾。
type Producer func(ctx context.Context) error

// Launch 在独立协程中运行生成任务。协程由 Manager 的 WaitGroup 持有，
// 进程退出前可通过 Shutdown 汇合；ctx 用于协作式取消。
// 无论任务如何结束，会话都会到达 finished 状态。
func (m *Manager) Launch(ctx context.Context, id string, produce Producer) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Error().Str("stream_id", id).Any("panic", r).Msg("生成任务 panic")
				m.Fail(id, failureText)
			}
		}()

		if err := produce(ctx); err != nil {
			logging.Error().Str("stream_id", id).Err(err).Msg("生成任务失败")
			m.Fail(id, failureText)
			return
		}

		// 任务正常返回却没有收尾时补一个终止分片，会话不允许永远停在 processing。
		if session, ok := m.Lookup(id); ok && !session.Finished {
			m.Append(id, "", true)
		}
	}()
}

// Shutdown 等待所有在运行的生成任务结束，超时则放弃等待。
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GenericFailureText 暴露统一失败文案，供处理器在创建失败时复用。
func GenericFailureText() string { return failureText }

// Grace 返回当前配置的回收宽限期。
func (m *Manager) Grace() time.Duration { return m.grace }
