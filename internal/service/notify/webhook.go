// Package notify 企业微信群机器人 webhook 推送。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/midoclouds/wecom-assistant/internal/logging"
)

const defaultEndpoint = "https://qyapi.weixin.qq.com/cgi-bin/webhook/send"

// Webhook 推送文本消息到群机器人，失败时指数退避重试。
type Webhook struct {
	key      string
	endpoint string
	client   *http.Client
}

// Option 配置 Webhook。
type Option func(*Webhook)

// WithEndpoint 覆盖默认的 webhook 地址，测试用。
func WithEndpoint(endpoint string) Option {
	return func(w *Webhook) { w.endpoint = endpoint }
}

// WithClient 覆盖默认的 HTTP 客户端。
func WithClient(client *http.Client) Option {
	return func(w *Webhook) { w.client = client }
}

// NewWebhook 创建推送器。
func NewWebhook(key string, opts ...Option) *Webhook {
	w := &Webhook{
		key:      key,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SendText 推送一条文本消息，最多重试 3 次。
func (w *Webhook) SendText(ctx context.Context, content string) error {
	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return err
	}

	operation := func() error {
		return w.post(ctx, payload)
	}

	policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 3)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("webhook 推送失败: %w", err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	url := fmt.Sprintf("%s?key=%s", w.endpoint, w.key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		logging.Warn().Int("status", resp.StatusCode).Msg("webhook 推送返回非 200")
		return fmt.Errorf("webhook 状态码 %d", resp.StatusCode)
	}
	return nil
}
