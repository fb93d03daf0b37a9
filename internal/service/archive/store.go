// Package archive 企业微信会话存档：拉取、入库与按群聊检索。
package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midoclouds/wecom-assistant/internal/logging"
)

// Record 一条入库的会话存档消息。
type Record struct {
	MsgID    string
	Action   string
	From     string
	ToList   []string
	RoomID   string
	ChatName string
	MsgTime  int64 // 毫秒时间戳
	MsgType  string
	Content  string // 除基础字段外的消息体 JSON
}

// HistoryItem 汇总用的单条历史记录。
type HistoryItem struct {
	Content string
	MsgTime time.Time
}

// Store 基于 pgx 连接池的存档存储。
type Store struct {
	pool *pgxpool.Pool
}

// NewStore 建立数据库连接池并验证连通性。
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("创建数据库连接池失败: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close 释放连接池。
func (s *Store) Close() {
	s.pool.Close()
}

// SaveMessage 写入一条存档消息。
func (s *Store) SaveMessage(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wecom_messages (msgid, action, "from", tolist, roomid, chat_name, msgtime, msgtype, content)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.MsgID, rec.Action, rec.From, rec.ToList, rec.RoomID, rec.ChatName, rec.MsgTime, rec.MsgType, rec.Content,
	)
	if err != nil {
		return fmt.Errorf("保存存档消息失败: %w", err)
	}
	return nil
}

// Exists 检查消息是否已入库。
func (s *Store) Exists(ctx context.Context, msgID, msgType string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM wecom_messages WHERE msgid = $1 AND msgtype = $2`,
		msgID, msgType,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HistoryByRoom 按群聊 id 取历史记录。
func (s *Store) HistoryByRoom(ctx context.Context, roomID string) ([]HistoryItem, error) {
	return s.history(ctx,
		`SELECT content, msgtime FROM wecom_messages WHERE roomid = $1 ORDER BY msgtime`, roomID)
}

// HistoryByChatName 按群聊名称取历史记录。
func (s *Store) HistoryByChatName(ctx context.Context, chatName string) ([]HistoryItem, error) {
	return s.history(ctx,
		`SELECT content, msgtime FROM wecom_messages WHERE chat_name = $1 ORDER BY msgtime`, chatName)
}

func (s *Store) history(ctx context.Context, query, arg string) ([]HistoryItem, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("查询历史记录失败: %w", err)
	}
	defer rows.Close()

	var items []HistoryItem
	for rows.Next() {
		var content string
		var msgTime int64
		if err := rows.Scan(&content, &msgTime); err != nil {
			return nil, err
		}
		items = append(items, HistoryItem{
			Content: content,
			MsgTime: time.UnixMilli(msgTime),
		})
	}
	return items, rows.Err()
}

// DeleteOlderThan 清理指定天数之前的记录，返回删除条数。
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -days).UnixMilli()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM wecom_messages WHERE msgtime < $1`, threshold)
	if err != nil {
		return 0, fmt.Errorf("清理过期记录失败: %w", err)
	}

	deleted := tag.RowsAffected()
	if deleted > 0 {
		logging.Info().Int64("deleted", deleted).Int("days", days).Msg("清理过期存档记录")
	}
	return deleted, nil
}
