package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"
)

// ErrMissingToken 表示未配置聊天机器人令牌，进程应当直接退出。
var ErrMissingToken = errors.New("no chat bot token configured (CHAT_BOT_TOKEN)")

// 聊天网关类型
const (
	GatewayTelegram  = "telegram"
	GatewayWebSocket = "websocket"
)

const (
	configName = "bridge"
	configType = "toml"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Chat   ChatConfig
	Robot  RobotConfig
	Engine EngineConfig
	AI     AIConfig
	Log    LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// ChatConfig 描述聊天网关配置。
type ChatConfig struct {
	Token           string
	Gateway         string
	QueueSize       int
	TranscriptLimit int
}

// RobotConfig 描述机器人展示信息。
type RobotConfig struct {
	Name string
}

// EngineConfig 描述 conversation engine 动作服务器的连接参数。
type EngineConfig struct {
	URL            string
	Action         string
	WaitTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	ReconnectDelay time.Duration
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level       string
	Development bool
}

// AIConfig 描述大模型语义解析回退的配置。
type AIConfig struct {
	ParserEnabled bool
	APIKey        string
	AccessKey     string
	SecretKey     string
	Model         string
	BaseURL       string
	Region        string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: provide ARK_API_KEY + Model or an AK/SK pair")
	}

	temperature := float32(0)
	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		Temperature: &temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}

// Load 读取配置：可选的 TOML 文件，环境变量优先。path 为空时在当前目录查找 bridge.toml。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("chat.gateway", GatewayTelegram)
	v.SetDefault("chat.queue_size", 64)
	v.SetDefault("chat.transcript_limit", 200)
	v.SetDefault("robot.name", "amigo")
	v.SetDefault("engine.url", "ws://localhost:9090")
	v.SetDefault("engine.action", "conversation_engine")
	v.SetDefault("engine.wait_timeout", 10*time.Second)
	v.SetDefault("engine.connect_timeout", 30*time.Second)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.reconnect_delay", 2*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("ai.parser_enabled", false)
	v.SetDefault("ai.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.region", "cn-beijing")
}

// bindEnv 将配置键映射到环境变量。
func bindEnv(v *viper.Viper) error {
	bindings := map[string][]string{
		"server.port":            {"PORT", "SERVER_PORT"},
		"chat.bot_token":         {"CHAT_BOT_TOKEN", "TELEGRAM_TOKEN"},
		"chat.gateway":           {"CHAT_GATEWAY"},
		"chat.queue_size":        {"CHAT_QUEUE_SIZE"},
		"chat.transcript_limit":  {"TRANSCRIPT_LIMIT"},
		"robot.name":             {"ROBOT_NAME"},
		"engine.url":             {"ENGINE_URL"},
		"engine.action":          {"ENGINE_ACTION"},
		"engine.wait_timeout":    {"ENGINE_WAIT_TIMEOUT"},
		"engine.connect_timeout": {"ENGINE_CONNECT_TIMEOUT"},
		"engine.max_retries":     {"ENGINE_MAX_RETRIES"},
		"engine.reconnect_delay": {"ENGINE_RECONNECT_DELAY"},
		"log.level":              {"LOG_LEVEL"},
		"log.development":        {"LOG_DEVELOPMENT"},
		"ai.parser_enabled":      {"AI_PARSER_ENABLED"},
		"ai.api_key":             {"ARK_API_KEY"},
		"ai.access_key":          {"ARK_ACCESS_KEY"},
		"ai.secret_key":          {"ARK_SECRET_KEY"},
		"ai.model":               {"Model", "ARK_MODEL"},
		"ai.base_url":            {"ARK_BASE_URL"},
		"ai.region":              {"ARK_REGION"},
	}

	for key, envs := range bindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	server, err := loadServerConfig(v.GetString("server.port"))
	if err != nil {
		return nil, err
	}

	chat := ChatConfig{
		Token:           strings.TrimSpace(v.GetString("chat.bot_token")),
		Gateway:         strings.ToLower(strings.TrimSpace(v.GetString("chat.gateway"))),
		QueueSize:       v.GetInt("chat.queue_size"),
		TranscriptLimit: v.GetInt("chat.transcript_limit"),
	}
	if chat.Token == "" {
		return nil, ErrMissingToken
	}
	if chat.Gateway != GatewayTelegram && chat.Gateway != GatewayWebSocket {
		return nil, fmt.Errorf("invalid CHAT_GATEWAY value %q: want %s or %s", chat.Gateway, GatewayTelegram, GatewayWebSocket)
	}
	if chat.QueueSize < 1 {
		chat.QueueSize = 1
	}

	robotName := strings.TrimSpace(v.GetString("robot.name"))
	if robotName == "" {
		robotName = "amigo"
	}

	engine := EngineConfig{
		URL:            strings.TrimRight(strings.TrimSpace(v.GetString("engine.url")), "/"),
		Action:         strings.TrimSpace(v.GetString("engine.action")),
		WaitTimeout:    v.GetDuration("engine.wait_timeout"),
		ConnectTimeout: v.GetDuration("engine.connect_timeout"),
		MaxRetries:     v.GetInt("engine.max_retries"),
		ReconnectDelay: v.GetDuration("engine.reconnect_delay"),
	}
	if engine.URL == "" {
		return nil, fmt.Errorf("ENGINE_URL must not be empty")
	}
	if engine.Action == "" {
		engine.Action = "conversation_engine"
	}
	if engine.MaxRetries < 1 {
		engine.MaxRetries = 1
	}

	return &Config{
		Server: server,
		Chat:   chat,
		Robot:  RobotConfig{Name: robotName},
		Engine: engine,
		AI: AIConfig{
			ParserEnabled: v.GetBool("ai.parser_enabled"),
			APIKey:        strings.TrimSpace(v.GetString("ai.api_key")),
			AccessKey:     strings.TrimSpace(v.GetString("ai.access_key")),
			SecretKey:     strings.TrimSpace(v.GetString("ai.secret_key")),
			Model:         strings.TrimSpace(v.GetString("ai.model")),
			BaseURL:       strings.TrimSpace(v.GetString("ai.base_url")),
			Region:        strings.TrimSpace(v.GetString("ai.region")),
		},
		Log: LogConfig{
			Level:       strings.TrimSpace(v.GetString("log.level")),
			Development: v.GetBool("log.development"),
		},
	}, nil
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(port string) (ServerConfig, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}
