package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/zhouzirui/freeze-detector/backend/internal/logging"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Client ClientConfig
	Log    LogConfig

	v *viper.Viper
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// StoreConfig 描述会话存储后端。
type StoreConfig struct {
	Driver         string
	SQLitePath     string
	PostgresDSN    string
	ConnectTimeout time.Duration
}

// ClientConfig 描述会话客户端（本地直写或远程HTTP）。
type ClientConfig struct {
	Mode      string
	BaseURL   string
	Timeout   time.Duration
	QueueSize int
}

// LogConfig 描述日志配置。
type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("cors_allowed_origins", "*")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("store_driver", "memory")
	v.SetDefault("sqlite_path", "data/sessions.sqlite")
	v.SetDefault("database_url", "")
	v.SetDefault("store_connect_timeout", "10s")
	v.SetDefault("session_client_mode", "local")
	v.SetDefault("session_api_url", "http://localhost:8080/api")
	v.SetDefault("session_api_timeout", "5s")
	v.SetDefault("session_queue_size", 64)
	v.SetDefault("log_level", "info")
}

// Load 从环境变量加载配置；设置 CONFIG_FILE 时先读取该文件，环境变量优先。
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig(v)
	if err != nil {
		return nil, err
	}

	client, err := loadClientConfig(v)
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig(v)
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Store: store, Client: client, Log: logCfg, v: v}, nil
}

// File 返回正在使用的配置文件路径，未使用文件时为空。
func (c *Config) File() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

// Watch 监听配置文件变化，重新解析成功后回调 fn。未使用配置文件时不做任何事。
func (c *Config) Watch(fn func(*Config)) {
	if c.File() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := load(c.v)
		if err != nil {
			logging.Warnw("config reload rejected", "file", e.Name, "err", err)
			return
		}
		logging.Infow("config reloaded", "file", e.Name)
		fn(next)
	})
	c.v.WatchConfig()
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	port := strings.TrimSpace(v.GetString("port"))
	if port == "" {
		port = "8080"
	}

	shutdown, err := parseDuration(v, "shutdown_timeout")
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		AllowedOrigins:  splitList(v.GetString("cors_allowed_origins")),
		ShutdownTimeout: shutdown,
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid PORT value %q: %w", port, err)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

func loadStoreConfig(v *viper.Viper) (StoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(v.GetString("store_driver")))
	switch driver {
	case "", "memory":
		driver = "memory"
	case "sqlite":
	case "postgres", "postgresql":
		driver = "postgres"
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_DRIVER value %q: %w", driver, errors.New("want memory, sqlite or postgres"))
	}

	connectTimeout, err := parseDuration(v, "store_connect_timeout")
	if err != nil {
		return StoreConfig{}, err
	}

	cfg := StoreConfig{
		Driver:         driver,
		SQLitePath:     strings.TrimSpace(v.GetString("sqlite_path")),
		PostgresDSN:    strings.TrimSpace(v.GetString("database_url")),
		ConnectTimeout: connectTimeout,
	}
	if cfg.Driver == "postgres" && cfg.PostgresDSN == "" {
		return StoreConfig{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	return cfg, nil
}

func loadClientConfig(v *viper.Viper) (ClientConfig, error) {
	mode := strings.ToLower(strings.TrimSpace(v.GetString("session_client_mode")))
	if mode != "local" && mode != "remote" {
		return ClientConfig{}, fmt.Errorf("invalid SESSION_CLIENT_MODE value %q: %w", mode, errors.New("want local or remote"))
	}

	timeout, err := parseDuration(v, "session_api_timeout")
	if err != nil {
		return ClientConfig{}, err
	}

	rawSize := strings.TrimSpace(v.GetString("session_queue_size"))
	size, err := strconv.Atoi(rawSize)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid SESSION_QUEUE_SIZE value %q: %w", rawSize, err)
	}
	if size < 1 {
		size = 1
	}

	return ClientConfig{
		Mode:      mode,
		BaseURL:   strings.TrimRight(strings.TrimSpace(v.GetString("session_api_url")), "/"),
		Timeout:   timeout,
		QueueSize: size,
	}, nil
}

func loadLogConfig(v *viper.Viper) (LogConfig, error) {
	lvl := strings.ToLower(strings.TrimSpace(v.GetString("log_level")))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		return LogConfig{Level: lvl}, nil
	default:
		return LogConfig{}, fmt.Errorf("invalid LOG_LEVEL value %q: %w", lvl, errors.New("want debug, info, warn or error"))
	}
}

// parseDuration 同时接受 "5s" 形式和纯数字秒数。
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	envKey := strings.ToUpper(key)
	if raw == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: %w", envKey, raw, errors.New("must not be negative"))
		}
		return time.Duration(secs * float64(time.Second)), nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", envKey, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s value %q: %w", envKey, raw, errors.New("must not be negative"))
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
