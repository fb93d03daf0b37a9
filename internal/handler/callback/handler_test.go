package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	wecomModel "github.com/midoclouds/wecom-assistant/internal/model/wecom"
	streamService "github.com/midoclouds/wecom-assistant/internal/service/stream"
	"github.com/midoclouds/wecom-assistant/internal/wecom"
)

const testAESKey = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQ"

type testEnv struct {
	router  chi.Router
	crypt   *wecom.MsgCrypt
	streams *streamService.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	crypt, err := wecom.NewMsgCrypt("token", testAESKey, "")
	if err != nil {
		t.Fatalf("构建加解密器失败: %v", err)
	}

	streams := streamService.NewManager(streamService.WithGracePeriod(20 * time.Millisecond))

	r := chi.NewRouter()
	New(context.Background(), crypt, crypt, streams, nil, nil, "").RegisterRoutes(r)

	return &testEnv{router: r, crypt: crypt, streams: streams}
}

// postBot 加密明文消息并按回调协议投递。
func (e *testEnv) postBot(t *testing.T, plaintext string) *httptest.ResponseRecorder {
	t.Helper()

	reply, err := e.crypt.Encrypt([]byte(plaintext), "1700000000", "nonce-1")
	if err != nil {
		t.Fatalf("构造回调密文失败: %v", err)
	}

	envelope, _ := json.Marshal(map[string]string{"encrypt": reply.Encrypt})
	req := httptest.NewRequest(http.MethodPost,
		"/callback/chatBot?"+callbackQuery(reply.MsgSignature, reply.Timestamp, reply.Nonce, ""),
		bytes.NewReader(envelope))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// callbackQuery 构造回调查询串，密文含 base64 特殊字符时必须 URL 编码。
func callbackQuery(signature, timestamp, nonce, echostr string) string {
	q := url.Values{}
	q.Set("msg_signature", signature)
	q.Set("timestamp", timestamp)
	q.Set("nonce", nonce)
	if echostr != "" {
		q.Set("echostr", echostr)
	}
	return q.Encode()
}

// decodeStream 解密应答并解析流式消息体。
func (e *testEnv) decodeStream(t *testing.T, rec *httptest.ResponseRecorder) wecomModel.StreamPayload {
	t.Helper()

	var reply wecom.EncryptedReply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("解析加密应答失败: %v body=%s", err, rec.Body.String())
	}

	plain, err := e.crypt.Decrypt(reply.MsgSignature, reply.Timestamp, reply.Nonce, reply.Encrypt)
	if err != nil {
		t.Fatalf("解密应答失败: %v", err)
	}

	var payload wecomModel.StreamPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		t.Fatalf("解析流式消息失败: %v", err)
	}
	return payload
}

func textMessage(content, msgID string) string {
	data, _ := json.Marshal(map[string]any{
		"msgtype": "text",
		"msgid":   msgID,
		"chatid":  "chat-1",
		"from":    map[string]string{"userid": "zhangsan"},
		"text":    map[string]string{"content": content},
	})
	return string(data)
}

func pollMessage(streamID, msgID string) string {
	data, _ := json.Marshal(map[string]any{
		"msgtype": "stream",
		"msgid":   msgID,
		"stream":  map[string]string{"id": streamID},
	})
	return string(data)
}

func TestVerifyURL(t *testing.T) {
	env := newTestEnv(t)

	echo, err := env.crypt.Encrypt([]byte("echo-plain"), "1700000000", "nonce-1")
	if err != nil {
		t.Fatal(err)
	}

	sig := env.crypt.Signature(echo.Timestamp, echo.Nonce, echo.Encrypt)
	req := httptest.NewRequest(http.MethodGet,
		"/callback/chatBot?"+callbackQuery(sig, echo.Timestamp, echo.Nonce, echo.Encrypt), nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "echo-plain" {
		t.Fatalf("URL 验证应答异常: code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestVerifyURLBadSignature(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet,
		"/callback/chatBot?msg_signature=bad&timestamp=1&nonce=n&echostr=YWJj", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("坏签名应返回 403，实际 %d", rec.Code)
	}
}

func TestTextMessageStartsStream(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, textMessage("幽门螺旋杆菌如何治疗", "msg-1"))
	payload := env.decodeStream(t, rec)

	if payload.MsgType != wecomModel.MsgTypeStream {
		t.Fatalf("应答类型应为 stream，实际 %q", payload.MsgType)
	}
	if payload.Stream.Finish {
		t.Fatal("首个应答不应是收尾")
	}
	if payload.Stream.Content != wecomModel.ThinkingText {
		t.Fatalf("首个应答应为思考占位，got %q", payload.Stream.Content)
	}
	if payload.Stream.ID == "" {
		t.Fatal("应答应携带 stream id")
	}

	if _, ok := env.streams.Lookup(payload.Stream.ID); !ok {
		t.Fatal("会话应已登记")
	}
}

func TestWelcomeCommand(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, textMessage("功能介绍", "msg-1"))
	streamID := env.decodeStream(t, rec).Stream.ID

	poll := env.decodeStream(t, env.postBot(t, pollMessage(streamID, "poll-1")))
	if !poll.Stream.Finish {
		t.Fatal("功能介绍应立即收尾")
	}
	if !strings.Contains(poll.Stream.Content, "米小度") {
		t.Fatalf("功能介绍文案异常: %q", poll.Stream.Content)
	}
}

func TestPollFlowWithDegradedAI(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, textMessage("你好", "msg-1"))
	streamID := env.decodeStream(t, rec).Stream.ID

	// AI 服务未接入时生成任务立即以固定提示收尾，轮询直到观察到 finish。
	var final wecomModel.StreamPayload
	deadline := time.Now().Add(time.Second)
	for i := 0; ; i++ {
		poll := env.decodeStream(t, env.postBot(t, pollMessage(streamID, fmt.Sprintf("poll-%d", i))))
		if poll.Stream.Finish {
			final = poll
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("等待收尾超时")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if final.Stream.Content != "AI 服务未配置，请联系管理员" {
		t.Fatalf("降级提示不匹配: %q", final.Stream.Content)
	}
}

func TestDuplicatePollAcked(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, textMessage("你好", "msg-1"))
	streamID := env.decodeStream(t, rec).Stream.ID

	env.postBot(t, pollMessage(streamID, "poll-1"))
	dup := env.postBot(t, pollMessage(streamID, "poll-1"))

	if dup.Code != http.StatusOK || dup.Body.String() != "success" {
		t.Fatalf("重复轮询应回空确认: code=%d body=%q", dup.Code, dup.Body.String())
	}
}

func TestPollUnknownStream(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, pollMessage("ghost-stream", "poll-1"))
	if rec.Code != http.StatusOK || rec.Body.String() != "success" {
		t.Fatalf("未知会话轮询应回空确认: code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestPollEmptyStreamID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, pollMessage("", "poll-1"))
	if rec.Body.String() != "success" {
		t.Fatalf("空 stream id 应回空确认: %q", rec.Body.String())
	}
}

func TestFinishedPollSchedulesReclaim(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, textMessage("功能介绍", "msg-1"))
	streamID := env.decodeStream(t, rec).Stream.ID

	poll := env.decodeStream(t, env.postBot(t, pollMessage(streamID, "poll-1")))
	if !poll.Stream.Finish {
		t.Fatal("应观察到收尾")
	}

	// 收尾应答后会话进入宽限期，随后被回收。
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := env.streams.Lookup(streamID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("宽限期后会话应被回收")
		}
		time.Sleep(5 * time.Millisecond)
	}

	late := env.postBot(t, pollMessage(streamID, "poll-2"))
	if late.Body.String() != "success" {
		t.Fatalf("迟到轮询应回空确认: %q", late.Body.String())
	}
}

func TestEventMessageAcked(t *testing.T) {
	env := newTestEnv(t)

	rec := env.postBot(t, `{"msgtype":"event","event":{"eventtype":"enter_chat"}}`)
	if rec.Body.String() != "success" {
		t.Fatalf("事件消息应回空确认: %q", rec.Body.String())
	}
}

func TestInvalidEnvelopeRejected(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost,
		"/callback/chatBot?msg_signature=s&timestamp=1&nonce=n",
		strings.NewReader(`{"encrypt":""}`))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("空密文应返回 400，实际 %d", rec.Code)
	}
}

func TestCorpCallbackAcksDecryptedMessage(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.crypt.Encrypt([]byte(`{"whatever":true}`), "1700000000", "nonce-1")
	if err != nil {
		t.Fatal(err)
	}

	envelope, _ := json.Marshal(map[string]string{"encrypt": reply.Encrypt})
	req := httptest.NewRequest(http.MethodPost,
		"/callback?"+callbackQuery(reply.MsgSignature, reply.Timestamp, reply.Nonce, ""),
		bytes.NewReader(envelope))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Body.String() != "success" {
		t.Fatalf("企业回调应回 success: %q", rec.Body.String())
	}
}
