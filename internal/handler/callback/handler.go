// Package callback 企业微信智能机器人回调：接收消息、发起生成、应答轮询。
package callback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/midoclouds/wecom-assistant/internal/logging"
	streamModel "github.com/midoclouds/wecom-assistant/internal/model/stream"
	wecomModel "github.com/midoclouds/wecom-assistant/internal/model/wecom"
	"github.com/midoclouds/wecom-assistant/internal/service/ai"
	"github.com/midoclouds/wecom-assistant/internal/service/archive"
	streamService "github.com/midoclouds/wecom-assistant/internal/service/stream"
	"github.com/midoclouds/wecom-assistant/internal/wecom"
)

// summaryPattern 匹配 "汇总消息：群聊名" 指令，捕获群聊名。
var summaryPattern = regexp.MustCompile(`^汇总消息[：:]\s*(.*)`)

// summaryTrigger 汇总指令前缀。
const summaryTrigger = "汇总消息"

// welcomeTrigger 功能介绍指令。
const welcomeTrigger = "功能介绍"

// Handler 机器人回调处理器。
type Handler struct {
	baseCtx      context.Context
	botCrypt     *wecom.MsgCrypt
	corpCrypt    *wecom.MsgCrypt
	streams      *streamService.Manager
	aiSvc        *ai.Service
	archiveStore *archive.Store
	imageBaseURL string
}

// New 创建回调处理器。baseCtx 是生成任务的父上下文，进程退出时随之取消。
// aiSvc 与 archiveStore 允许为 nil，对应功能降级为固定提示。
func New(baseCtx context.Context, botCrypt, corpCrypt *wecom.MsgCrypt, streams *streamService.Manager, aiSvc *ai.Service, archiveStore *archive.Store, imageBaseURL string) *Handler {
	return &Handler{
		baseCtx:      baseCtx,
		botCrypt:     botCrypt,
		corpCrypt:    corpCrypt,
		streams:      streams,
		aiSvc:        aiSvc,
		archiveStore: archiveStore,
		imageBaseURL: imageBaseURL,
	}
}

// RegisterRoutes 注册回调路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/callback", h.handleCorpCallback)
	r.HandleFunc("/callback/chatBot", h.handleBotCallback)
}

// handleBotCallback 机器人回调入口。
func (h *Handler) handleBotCallback(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, h.botCrypt, h.dispatchBotMessage)
}

// handleCorpCallback 企业应用回调：仅校验与解密确认。
func (h *Handler) handleCorpCallback(w http.ResponseWriter, r *http.Request) {
	h.handleCallback(w, r, h.corpCrypt, func(w http.ResponseWriter, r *http.Request, plain []byte) {
		// 其他消息类型暂不处理，解密成功即确认。
		respondPlain(w, "success")
	})
}

type dispatchFunc func(w http.ResponseWriter, r *http.Request, plain []byte)

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request, crypt *wecom.MsgCrypt, dispatch dispatchFunc) {
	if crypt == nil {
		http.Error(w, "callback not configured", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	signature := query.Get("msg_signature")
	timestamp := query.Get("timestamp")
	nonce := query.Get("nonce")

	switch r.Method {
	case http.MethodGet:
		echostr := query.Get("echostr")
		reply, err := crypt.VerifyURL(signature, timestamp, nonce, echostr)
		if err != nil {
			logging.Error().Err(err).Msg("URL 验证失败")
			http.Error(w, "URL verification failed", http.StatusForbidden)
			return
		}
		respondPlain(w, reply)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}

		var envelope struct {
			Encrypt string `json:"encrypt"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Encrypt == "" {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}

		plain, err := crypt.Decrypt(signature, timestamp, nonce, envelope.Encrypt)
		if err != nil {
			logging.Error().Err(err).Msg("消息解密失败")
			http.Error(w, "decryption failed", http.StatusBadRequest)
			return
		}

		dispatch(w, r, plain)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// dispatchBotMessage 按消息类型分发解密后的机器人消息。
func (h *Handler) dispatchBotMessage(w http.ResponseWriter, r *http.Request, plain []byte) {
	msg, err := wecomModel.ParseMessage(plain)
	if err != nil {
		logging.Error().Err(err).Msg("消息解析失败")
		http.Error(w, "parse failed", http.StatusBadRequest)
		return
	}

	timestamp := r.URL.Query().Get("timestamp")
	nonce := r.URL.Query().Get("nonce")

	switch msg.MsgType {
	case wecomModel.MsgTypeText:
		if msg.Content == "" {
			respondPlain(w, "Message type not supported")
			return
		}
		h.handleTextMessage(w, msg, timestamp, nonce)

	case wecomModel.MsgTypeStream:
		h.handleStreamPoll(w, msg, timestamp, nonce)

	case wecomModel.MsgTypeEvent:
		respondPlain(w, "success")

	default:
		respondPlain(w, "Message type not supported")
	}
}

// handleTextMessage 文本消息：创建流式会话、启动生成任务、立即返回"思考中"占位。
func (h *Handler) handleTextMessage(w http.ResponseWriter, msg *wecomModel.Message, timestamp, nonce string) {
	streamID := uuid.NewString()
	corr := streamModel.Correlation{
		MessageID: msg.MsgID,
		ChatID:    msg.ChatID,
		FromUser:  msg.FromUser,
	}

	if !h.streams.Create(streamID, msg.Content, corr) {
		h.respondEncrypted(w, wecomModel.TextStream(streamID, "创建思考任务失败", true), timestamp, nonce)
		return
	}

	switch {
	case msg.Content == welcomeTrigger:
		h.streams.Append(streamID, ai.WelcomeText, true)

	case strings.HasPrefix(msg.Content, summaryTrigger):
		h.streams.Launch(h.baseCtx, streamID, h.summaryProducer(streamID, msg.Content, msg.ChatID, msg.FromUser))

	default:
		h.streams.Launch(h.baseCtx, streamID, h.queryProducer(streamID, msg.Content, msg.FromUser))
	}

	h.respondEncrypted(w, wecomModel.TextStream(streamID, wecomModel.ThinkingText, false), timestamp, nonce)
}

// handleStreamPoll 轮询消息：重复轮询直接确认，未完成回增量文本，完成回图文混排并安排回收。
func (h *Handler) handleStreamPoll(w http.ResponseWriter, msg *wecomModel.Message, timestamp, nonce string) {
	if msg.StreamID == "" {
		respondPlain(w, "success")
		return
	}

	if h.streams.MarkPoll(msg.StreamID, msg.MsgID) {
		logging.Debug().Str("stream_id", msg.StreamID).Str("msg_id", msg.MsgID).Msg("检测到重复轮询")
		respondPlain(w, "success")
		return
	}

	text, finished, found := h.streams.ReadNext(msg.StreamID)
	if !found {
		// 会话已回收，迟到的轮询按无事可做处理。
		respondPlain(w, "success")
		return
	}

	if !finished {
		h.respondEncrypted(w, wecomModel.TextStream(msg.StreamID, text, false), timestamp, nonce)
		return
	}

	full := h.streams.FullText(msg.StreamID)
	if full == "" {
		full = text
	}
	h.respondEncrypted(w, wecomModel.MixedStream(msg.StreamID, full, true, h.imageBaseURL, nil), timestamp, nonce)

	// 宽限期后回收会话，容忍客户端收到 finish 后的最后一次轮询。
	h.streams.ScheduleReclaim(msg.StreamID)
}

// queryProducer 日常提问的生成任务。
func (h *Handler) queryProducer(streamID, content, user string) streamService.Producer {
	return func(ctx context.Context) error {
		if h.aiSvc == nil {
			h.streams.SetFullText(streamID, "AI 服务未配置，请联系管理员")
			return nil
		}

		_, err := h.aiSvc.Generate(ctx, content, user, func(fragment string, finished bool) {
			h.streams.Append(streamID, fragment, finished)
		})
		return err
	}
}

// summaryProducer 群聊汇总的生成任务。
func (h *Handler) summaryProducer(streamID, content, chatID, user string) streamService.Producer {
	return func(ctx context.Context) error {
		if h.aiSvc == nil || h.archiveStore == nil {
			h.streams.SetFullText(streamID, "汇总功能未配置，请联系管理员")
			return nil
		}

		var items []archive.HistoryItem
		var err error

		// 两种情况：汇总消息（默认本群）或 汇总消息：群聊名。
		if match := summaryPattern.FindStringSubmatch(content); match != nil && strings.TrimSpace(match[1]) != "" {
			items, err = h.archiveStore.HistoryByChatName(ctx, strings.TrimSpace(match[1]))
		} else {
			items, err = h.archiveStore.HistoryByRoom(ctx, chatID)
		}
		if err != nil {
			return err
		}

		if len(items) == 0 {
			h.streams.SetFullText(streamID, "没有可汇总的聊天记录")
			return nil
		}

		timeRange := ai.TimeRange(items[0].MsgTime, items[len(items)-1].MsgTime)
		h.streams.Append(streamID, timeRange, false)

		contents := make([]string, len(items))
		for i, item := range items {
			contents[i] = item.Content
		}

		body, err := h.aiSvc.Summarize(ctx, ai.BuildRecordsPrompt(contents), user, func(fragment string, finished bool) {
			if !finished {
				h.streams.Append(streamID, fragment, false)
			}
		})
		if err != nil {
			return err
		}

		h.streams.SetFullText(streamID, timeRange+strings.TrimLeft(body, "\n"))
		return nil
	}
}

func (h *Handler) respondEncrypted(w http.ResponseWriter, payload []byte, timestamp, nonce string) {
	reply, err := h.botCrypt.Encrypt(payload, timestamp, nonce)
	if err != nil {
		logging.Error().Err(err).Msg("应答加密失败")
		http.Error(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		logging.Error().Err(err).Msg("写应答失败")
	}
}

func respondPlain(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(body))
}
