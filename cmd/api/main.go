package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/midoclouds/wecom-assistant/internal/config"
	"github.com/midoclouds/wecom-assistant/internal/event"
	"github.com/midoclouds/wecom-assistant/internal/handler"
	"github.com/midoclouds/wecom-assistant/internal/logging"
	"github.com/midoclouds/wecom-assistant/internal/service/ai"
	"github.com/midoclouds/wecom-assistant/internal/service/archive"
	"github.com/midoclouds/wecom-assistant/internal/service/notify"
	streamService "github.com/midoclouds/wecom-assistant/internal/service/stream"
	"github.com/midoclouds/wecom-assistant/internal/wecom"
)

// cleanupHour 每日存档清理的执行整点。
const cleanupHour = 3

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logging.Warn().Err(err).Msg("未找到 .env 文件，仅使用系统环境变量")
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("加载配置失败")
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Pretty, os.Stderr)

	// 回调加解密器：机器人回调 receiveID 为空，企业应用回调用 corpid。
	var botCrypt, corpCrypt *wecom.MsgCrypt
	if cfg.WeCom.CallbackEnabled() {
		botCrypt, err = wecom.NewMsgCrypt(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, "")
		if err != nil {
			logging.Fatal().Err(err).Msg("初始化机器人加解密器失败")
		}
		corpCrypt, err = wecom.NewMsgCrypt(cfg.WeCom.Token, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
		if err != nil {
			logging.Fatal().Err(err).Msg("初始化企业回调加解密器失败")
		}
	} else {
		logging.Warn().Msg("回调凭证未配置，回调接口不可用")
	}

	bus := event.NewBus()
	defer bus.Close()

	if cfg.Notify.Enabled() {
		hook := notify.NewWebhook(cfg.Notify.WebhookKey)
		go notifyFailures(ctx, bus, hook)
	}

	streams := streamService.NewManager(
		streamService.WithGracePeriod(cfg.Stream.GracePeriod),
		streamService.WithBus(bus),
	)

	// Initialize AI service
	var aiSvc *ai.Service
	if cfg.AI.Enabled() {
		aiSvc, err = ai.NewService(ctx, cfg.AI)
		if err != nil {
			logging.Warn().Err(err).Msg("AI 服务初始化失败，请检查 Ark 模型相关环境变量")
		} else {
			logging.Info().Msg("AI 服务初始化成功")
		}
	} else {
		logging.Info().Msg("Ark 凭证未配置，跳过 AI 功能初始化")
	}

	// Initialize archive store
	var archiveStore *archive.Store
	if cfg.Archive.Enabled() {
		archiveStore, err = archive.NewStore(ctx, cfg.Archive.DatabaseURL)
		if err != nil {
			logging.Warn().Err(err).Msg("存档数据库初始化失败，汇总功能不可用")
		} else {
			defer archiveStore.Close()
			logging.Info().Msg("存档数据库初始化成功")

			janitor := archive.NewJanitor(archiveStore, cfg.Archive.RetentionDays, cleanupHour)
			go janitor.Run(ctx)
		}
	} else {
		logging.Info().Msg("存档数据库未配置，跳过存档功能初始化")
	}

	router := handler.NewRouter(ctx, handler.Deps{
		BotCrypt:     botCrypt,
		CorpCrypt:    corpCrypt,
		Streams:      streams,
		AISvc:        aiSvc,
		ArchiveStore: archiveStore,
		Bus:          bus,
		ImageBaseURL: cfg.WeCom.ImageBaseURL,
	})

	startServer(ctx, cfg.Server, router)

	// 汇合仍在运行的生成任务，避免进程退出悄悄丢弃在途工作。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := streams.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("等待生成任务结束超时")
	}
}

// notifyFailures 订阅失败事件并通过群机器人 webhook 推送告警。
func notifyFailures(ctx context.Context, bus *event.Bus, hook *notify.Webhook) {
	events, err := bus.Subscribe(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("订阅失败事件失败")
		return
	}

	for ev := range events {
		if ev.Type != event.StreamFailed {
			continue
		}
		text := fmt.Sprintf("流式会话 %s 处理失败: %s", ev.StreamID, ev.Content)
		if err := hook.SendText(ctx, text); err != nil {
			logging.Error().Err(err).Str("stream_id", ev.StreamID).Msg("推送失败告警失败")
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logging.Info().Str("addr", serverCfg.Addr).Msg("服务启动")
	if err := runServer(ctx, srv); err != nil {
		logging.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
