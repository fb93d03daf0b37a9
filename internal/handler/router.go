package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/midoclouds/wecom-assistant/internal/event"
	"github.com/midoclouds/wecom-assistant/internal/handler/callback"
	"github.com/midoclouds/wecom-assistant/internal/handler/observe"
	middlewarePkg "github.com/midoclouds/wecom-assistant/internal/middleware"
	"github.com/midoclouds/wecom-assistant/internal/service/ai"
	"github.com/midoclouds/wecom-assistant/internal/service/archive"
	streamService "github.com/midoclouds/wecom-assistant/internal/service/stream"
	"github.com/midoclouds/wecom-assistant/internal/wecom"
	"github.com/midoclouds/wecom-assistant/pkg/utils"
)

// Deps 路由依赖集合，由组装根构造后注入。
type Deps struct {
	BotCrypt     *wecom.MsgCrypt
	CorpCrypt    *wecom.MsgCrypt
	Streams      *streamService.Manager
	AISvc        *ai.Service
	ArchiveStore *archive.Store
	Bus          *event.Bus
	ImageBaseURL string
}

// NewRouter 组装全部 HTTP 路由与中间件。
func NewRouter(ctx context.Context, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	callbackHandler := callback.New(ctx, deps.BotCrypt, deps.CorpCrypt, deps.Streams, deps.AISvc, deps.ArchiveStore, deps.ImageBaseURL)

	r.Route("/wechat", func(wechat chi.Router) {
		callbackHandler.RegisterRoutes(wechat)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		if deps.Bus != nil {
			observeHandler := observe.New(deps.Bus, deps.Streams)
			observeHandler.RegisterRoutes(api)
		}
	})

	return r
}
