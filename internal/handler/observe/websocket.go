// Package observe 运维侧的 WebSocket 实时观察：订阅某个流式会话的产出过程。
package observe

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/midoclouds/wecom-assistant/internal/event"
	"github.com/midoclouds/wecom-assistant/internal/logging"
	streamService "github.com/midoclouds/wecom-assistant/internal/service/stream"
)

// Handler 会话观察处理器。
type Handler struct {
	bus      *event.Bus
	streams  *streamService.Manager
	upgrader websocket.Upgrader
}

// New 创建观察处理器。
func New(bus *event.Bus, streams *streamService.Manager) *Handler {
	return &Handler{
		bus:     bus,
		streams: streams,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册观察路由。
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/observe/{streamID}", h.handleObserve)
}

// outgoingMessage 推给观察端的事件。
type outgoingMessage struct {
	Type      string `json:"type"`
	StreamID  string `json:"streamId"`
	Content   string `json:"content,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// handleObserve 升级连接并转发会话事件，会话回收或连接断开时结束。
func (h *Handler) handleObserve(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "streamID")
	if streamID == "" {
		http.Error(w, "streamID is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := h.bus.Subscribe(ctx)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("WebSocket 升级失败")
		return
	}
	defer conn.Close()

	// 读协程只用于感知客户端断开。
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// 先推当前快照，补齐订阅前已产出的内容。
	if session, ok := h.streams.Lookup(streamID); ok {
		h.send(conn, outgoingMessage{
			Type:     "snapshot",
			StreamID: streamID,
			Content:  session.FullText(),
			Finished: session.Finished,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.StreamID != streamID {
				continue
			}

			h.send(conn, outgoingMessage{
				Type:     string(ev.Type),
				StreamID: ev.StreamID,
				Content:  ev.Content,
				Finished: ev.Finished,
			})

			if ev.Type == event.StreamReclaimed {
				return
			}
		}
	}
}

func (h *Handler) send(conn *websocket.Conn, msg outgoingMessage) {
	msg.Timestamp = time.Now().UnixMilli()
	if err := conn.WriteJSON(msg); err != nil {
		logging.Debug().Err(err).Msg("观察端写入失败")
	}
}
