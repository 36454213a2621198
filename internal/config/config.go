package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the chat client core and the
// reference gateway. The values are read by viper from a config file
// or environment variables.
type Config struct {
	AppName    string          `mapstructure:"APP_NAME"`
	AppVersion string          `mapstructure:"APP_VERSION"`
	LogLevel   string          `mapstructure:"LOG_LEVEL"`
	Chat       ChatConfig      `mapstructure:"CHAT"`
	WebSocket  WebSocketConfig `mapstructure:"WEBSOCKET"`
	Gateway    GatewayConfig   `mapstructure:"GATEWAY"`
	Auth       AuthConfig      `mapstructure:"AUTH"`
	Database   DatabaseConfig  `mapstructure:"DATABASE"`
	Storage    StorageConfig   `mapstructure:"STORAGE"`
}

// ChatConfig 保存聊天核心（客户端侧）的配置。
type ChatConfig struct {
	APIBaseURL string `mapstructure:"API_BASE_URL"` // 请求通道的基地址，例如 http://localhost:8081/api
	WSURL      string `mapstructure:"WS_URL"`       // 推送通道地址，例如 ws://localhost:8081/ws

	// FallbackTimeout 是占位消息在无确认时触发请求通道兜底的等待时长。
	FallbackTimeout time.Duration `mapstructure:"FALLBACK_TIMEOUT"`

	// PageSize 是历史消息分页的页大小。
	PageSize int `mapstructure:"PAGE_SIZE"`

	// MaxReconnectAttempts 是推送通道自动重连的次数预算，超出后停止重试。
	MaxReconnectAttempts int `mapstructure:"MAX_RECONNECT_ATTEMPTS"`

	// ReconnectBaseDelay 是重连退避的基础间隔。
	ReconnectBaseDelay time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`

	// RequestTimeout 是请求通道单次 HTTP 调用的超时。
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
}

// WebSocketConfig holds configuration for WebSocket connections
// (shared by the client dialer and the gateway upgrader).
type WebSocketConfig struct {
	WriteWaitSeconds    int `mapstructure:"WRITE_WAIT_SECONDS"`
	PongWaitSeconds     int `mapstructure:"PONG_WAIT_SECONDS"`
	PingPeriodSeconds   int `mapstructure:"PING_PERIOD_SECONDS"`
	MaxMessageSizeBytes int `mapstructure:"MAX_MESSAGE_SIZE_BYTES"`
}

// GatewayConfig 保存参考网关的 HTTP 服务配置。
type GatewayConfig struct {
	Host           string        `mapstructure:"HOST"`
	Port           string        `mapstructure:"PORT"`
	WebSocketPath  string        `mapstructure:"WEBSOCKET_PATH"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	MaxHeaderBytes int           `mapstructure:"MAX_HEADER_BYTES"`
	CORS           CORSConfig    `mapstructure:"CORS"`
}

// CORSConfig holds configuration for CORS on the gateway.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"ALLOWED_ORIGINS"`
	AllowedMethods   []string `mapstructure:"ALLOWED_METHODS"`
	AllowedHeaders   []string `mapstructure:"ALLOWED_HEADERS"`
	AllowCredentials bool     `mapstructure:"ALLOW_CREDENTIALS"`
	MaxAge           int      `mapstructure:"MAX_AGE"`
}

// AuthConfig holds configuration for authentication (JWT).
type AuthConfig struct {
	JWTSecretKey string        `mapstructure:"JWT_SECRET_KEY"`
	JWTExpiry    time.Duration `mapstructure:"JWT_EXPIRY"`
}

// DatabaseConfig 保存网关嵌入式数据库的配置。
type DatabaseConfig struct {
	Path string `mapstructure:"PATH"` // sqlite 文件路径，":memory:" 表示纯内存
}

// StorageConfig 保存图片上传的本地存储配置。
type StorageConfig struct {
	LocalPath     string `mapstructure:"LOCAL_PATH"`
	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"` // 拼接已上传图片的对外 URL
	MaxFileSizeMB int64  `mapstructure:"MAX_FILE_SIZE_MB"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()

	v.SetDefault("APP_NAME", "AgriChat")
	v.SetDefault("APP_VERSION", "0.0.1")
	v.SetDefault("LOG_LEVEL", "info")

	// Chat core defaults
	v.SetDefault("CHAT.API_BASE_URL", "http://localhost:8081/api")
	v.SetDefault("CHAT.WS_URL", "ws://localhost:8081/ws")
	v.SetDefault("CHAT.FALLBACK_TIMEOUT", 8*time.Second)
	v.SetDefault("CHAT.PAGE_SIZE", 20)
	v.SetDefault("CHAT.MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("CHAT.RECONNECT_BASE_DELAY", 1*time.Second)
	v.SetDefault("CHAT.REQUEST_TIMEOUT", 15*time.Second)

	// WebSocket defaults
	v.SetDefault("WEBSOCKET.WRITE_WAIT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.PONG_WAIT_SECONDS", 60)
	v.SetDefault("WEBSOCKET.PING_PERIOD_SECONDS", 54) // (60 * 9) / 10
	v.SetDefault("WEBSOCKET.MAX_MESSAGE_SIZE_BYTES", 64*1024)

	// Gateway defaults
	v.SetDefault("GATEWAY.HOST", "0.0.0.0")
	v.SetDefault("GATEWAY.PORT", "8081")
	v.SetDefault("GATEWAY.WEBSOCKET_PATH", "/ws")
	v.SetDefault("GATEWAY.READ_TIMEOUT", 30*time.Second)
	v.SetDefault("GATEWAY.WRITE_TIMEOUT", 30*time.Second)
	v.SetDefault("GATEWAY.MAX_HEADER_BYTES", 1<<20) // 1 MB
	v.SetDefault("GATEWAY.CORS.ALLOWED_ORIGINS", []string{"http://localhost:5173"})
	v.SetDefault("GATEWAY.CORS.ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("GATEWAY.CORS.ALLOWED_HEADERS", []string{"Accept", "Authorization", "Content-Type"})
	v.SetDefault("GATEWAY.CORS.ALLOW_CREDENTIALS", true)
	v.SetDefault("GATEWAY.CORS.MAX_AGE", 300)

	// Auth defaults
	v.SetDefault("AUTH.JWT_SECRET_KEY", "a_very_secret_key_that_should_be_changed")
	v.SetDefault("AUTH.JWT_EXPIRY", 12*time.Hour)

	// Database defaults
	v.SetDefault("DATABASE.PATH", "./agrichat.db")

	// Storage defaults
	v.SetDefault("STORAGE.LOCAL_PATH", "./uploads")
	v.SetDefault("STORAGE.PUBLIC_BASE_URL", "http://localhost:8081/uploads")
	v.SetDefault("STORAGE.MAX_FILE_SIZE_MB", 20)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err = v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		// 没有配置文件时依赖默认值即可。
		err = nil
	}

	err = v.Unmarshal(&config)
	return
}
