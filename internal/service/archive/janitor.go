package archive

import (
	"context"
	"time"

	"github.com/midoclouds/wecom-assistant/internal/logging"
)

// Janitor 每日凌晨清理过期的存档记录。
type Janitor struct {
	store     *Store
	retention int
	hour      int
}

// NewJanitor 创建定时清理器，hour 为每日执行的整点（本地时区）。
func NewJanitor(store *Store, retentionDays, hour int) *Janitor {
	return &Janitor{store: store, retention: retentionDays, hour: hour}
}

// Run 阻塞执行清理循环直到 ctx 取消。
func (j *Janitor) Run(ctx context.Context) {
	for {
		next := nextRun(time.Now(), j.hour)
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		logging.Info().Msg("定时清理开始")
		if _, err := j.store.DeleteOlderThan(ctx, j.retention); err != nil {
			logging.Error().Err(err).Msg("定时清理失败")
		}
		logging.Info().Msg("定时清理完成")
	}
}

func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
