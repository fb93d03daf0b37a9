package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Log     LogConfig
	AI      AIConfig
	WeCom   WeComConfig
	Archive ArchiveConfig
	Stream  StreamConfig
	Notify  NotifyConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	wecom, err := loadWeComConfig()
	if err != nil {
		return nil, err
	}

	archive, err := loadArchiveConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Log:     loadLogConfig(),
		AI:      ai,
		WeCom:   wecom,
		Archive: archive,
		Stream:  stream,
		Notify:  loadNotifyConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3456"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3456" 或 "127.0.0.1:3456"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Level  string
	Pretty bool
}

func loadLogConfig() LogConfig {
	pretty, err := parseBoolEnv("LOG_PRETTY", false)
	if err != nil {
		pretty = false
	}
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Pretty: pretty,
	}
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// WeComConfig 描述企业微信回调与接口凭证。
type WeComConfig struct {
	Token          string
	EncodingAESKey string
	CorpID         string
	CorpSecret     string
	BotName        string
	ImageBaseURL   string
}

// CallbackEnabled 表示回调解密所需的凭证是否齐全。
func (c WeComConfig) CallbackEnabled() bool {
	return c.Token != "" && c.EncodingAESKey != ""
}

func loadWeComConfig() (WeComConfig, error) {
	key := strings.TrimSpace(os.Getenv("EncodingAESKey"))
	if key != "" && len(key) != 43 {
		return WeComConfig{}, fmt.Errorf("invalid EncodingAESKey length: %d", len(key))
	}

	return WeComConfig{
		Token:          strings.TrimSpace(os.Getenv("Token")),
		EncodingAESKey: key,
		CorpID:         strings.TrimSpace(os.Getenv("corpid")),
		CorpSecret:     strings.TrimSpace(os.Getenv("secret")),
		BotName:        getEnvOrDefault("BOT_NAME", "米小度"),
		ImageBaseURL:   getEnvOrDefault("IMAGE_BASE_URL", "https://manage.midoclouds.com/files/"),
	}, nil
}

// ArchiveConfig 描述会话存档相关配置。
type ArchiveConfig struct {
	DatabaseURL    string
	PrivateKeyPath string
	RetentionDays  int
	PullLimit      int
	PullInterval   time.Duration
}

// Enabled 表示是否配置了存档数据库。
func (c ArchiveConfig) Enabled() bool {
	return c.DatabaseURL != ""
}

func loadArchiveConfig() (ArchiveConfig, error) {
	retention := 7
	if override, err := parseOptionalIntEnv("ARCHIVE_RETENTION_DAYS"); err != nil {
		return ArchiveConfig{}, err
	} else if override != nil {
		if *override < 1 {
			retention = 1
		} else {
			retention = *override
		}
	}

	limit := 50
	if override, err := parseOptionalIntEnv("ARCHIVE_PULL_LIMIT"); err != nil {
		return ArchiveConfig{}, err
	} else if override != nil && *override > 0 {
		limit = *override
	}

	interval := time.Second
	if override, err := parseOptionalIntEnv("ARCHIVE_PULL_INTERVAL"); err != nil {
		return ArchiveConfig{}, err
	} else if override != nil && *override > 0 {
		interval = time.Duration(*override) * time.Second
	}

	return ArchiveConfig{
		DatabaseURL:    strings.TrimSpace(os.Getenv("db_url")),
		PrivateKeyPath: strings.TrimSpace(os.Getenv("prikey_path")),
		RetentionDays:  retention,
		PullLimit:      limit,
		PullInterval:   interval,
	}, nil
}

// StreamConfig 描述流式会话管理配置。
type StreamConfig struct {
	GracePeriod time.Duration
}

func loadStreamConfig() (StreamConfig, error) {
	grace := 2 * time.Second
	if override, err := parseOptionalIntEnv("STREAM_GRACE_SECONDS"); err != nil {
		return StreamConfig{}, err
	} else if override != nil && *override >= 0 {
		grace = time.Duration(*override) * time.Second
	}

	return StreamConfig{GracePeriod: grace}, nil
}

// NotifyConfig 描述群机器人 webhook 推送配置。
type NotifyConfig struct {
	WebhookKey string
}

// Enabled 表示是否配置了 webhook key。
func (c NotifyConfig) Enabled() bool {
	return c.WebhookKey != ""
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{WebhookKey: strings.TrimSpace(os.Getenv("webhook_key"))}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
