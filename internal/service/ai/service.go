// Package ai 封装大模型调用，把 eino 的流式输出适配为分片回调。
package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/midoclouds/wecom-assistant/internal/config"
	"github.com/midoclouds/wecom-assistant/internal/logging"
)

// OnChunk 生成回调：零或多次非终止分片之后，恰好一次 finished=true 收尾。
type OnChunk func(fragment string, finished bool)

// Service 封装基于 eino 编排的生成能力。
type Service struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService 创建 AI 服务实例。
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

// Generate 针对用户提问流式生成回答，每个分片经 onChunk 投递，
// 返回完整回答文本。出错时由调用方（监督逻辑）负责收尾。
func (s *Service) Generate(ctx context.Context, query, user string, onChunk OnChunk) (string, error) {
	return s.stream(ctx, querySystemPrompt, query, user, onChunk)
}

// Summarize 对聊天记录做汇总，流式产出结果。
func (s *Service) Summarize(ctx context.Context, records, user string, onChunk OnChunk) (string, error) {
	return s.stream(ctx, summarySystemPrompt, records, user, onChunk)
}

// GetChatModel 返回底层的聊天模型。
func (s *Service) GetChatModel() model.ChatModel {
	return s.chatModel
}

func (s *Service) stream(ctx context.Context, system, query, user string, onChunk OnChunk) (string, error) {
	input := map[string]any{
		"system": system,
		"query":  query,
	}

	reader, err := s.chain.Stream(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer reader.Close()

	chunks := make([]*schema.Message, 0, 8)

	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" {
			onChunk(chunk.Content, false)
		}
	}

	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}

	onChunk("", true)
	logging.Info().Str("user", user).Int("answer_len", len(response.Content)).Msg("生成回答结束")
	return response.Content, nil
}
