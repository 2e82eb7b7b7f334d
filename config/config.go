// Package config 加载 cartsync 的 YAML 配置，并允许用 CARTSYNC_* 环境变量覆盖
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"cartsync/events"
	"cartsync/flagstore"
)

// Config 根配置
type Config struct {
	Storefront StorefrontConfig `yaml:"storefront"`
	Cart       CartConfig       `yaml:"cart"`
	Drawer     DrawerConfig     `yaml:"drawer"`
	Relay      RelayConfig      `yaml:"relay"`
	Flags      FlagsConfig      `yaml:"flags"`
	Log        LogConfig        `yaml:"log"`
	Stub       StubConfig       `yaml:"stub"`
}

// StorefrontConfig 店铺接口
type StorefrontConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AddPath        string        `yaml:"add_path"`
	ChangePath     string        `yaml:"change_path"`
	ReadPath       string        `yaml:"read_path"`
	SectionID      string        `yaml:"section_id"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CartConfig 同步行为
type CartConfig struct {
	// Type drawer：变更后打开抽屉；page：购物车页，不打开抽屉
	Type            string        `yaml:"type"`
	RefreshAttempts int           `yaml:"refresh_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// DrawerConfig 抽屉
type DrawerConfig struct {
	Target        string        `yaml:"target"`
	UnlockDelay   time.Duration `yaml:"unlock_delay"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// RelayConfig 跨进程事件转发
type RelayConfig struct {
	// Backend none / nats / redis
	Backend   string   `yaml:"backend"`
	NATSURL   string   `yaml:"nats_url"`
	RedisAddr string   `yaml:"redis_addr"`
	Stream    string   `yaml:"stream"`
	Outbound  []string `yaml:"outbound"`
	Inbound   []string `yaml:"inbound"`
}

// FlagsConfig 短期标记存储
type FlagsConfig struct {
	Backend    string        `yaml:"backend"`
	SQLitePath string        `yaml:"sqlite_path"`
	RedisAddr  string        `yaml:"redis_addr"`
	NotifyTTL  time.Duration `yaml:"notify_ttl"`
}

// LogConfig 日志
type LogConfig struct {
	Level string `yaml:"level"`
}

// StubConfig 本地假店铺
type StubConfig struct {
	Listen   string `yaml:"listen"`
	Currency string `yaml:"currency"`
}

// 转发后端
const (
	RelayNone  = "none"
	RelayNATS  = "nats"
	RelayRedis = "redis"
)

// Default 默认配置
func Default() *Config {
	return &Config{
		Storefront: StorefrontConfig{
			BaseURL:        "http://127.0.0.1:8080",
			AddPath:        "/cart/add.js",
			ChangePath:     "/cart/change.js",
			ReadPath:       "/cart",
			SectionID:      "cart-drawer",
			RequestTimeout: 10 * time.Second,
		},
		Cart: CartConfig{
			Type:            "drawer",
			RefreshAttempts: 2,
			RetryDelay:      50 * time.Millisecond,
		},
		Drawer: DrawerConfig{
			Target:        "cart-drawer",
			UnlockDelay:   300 * time.Millisecond,
			SettleTimeout: 500 * time.Millisecond,
		},
		Relay: RelayConfig{
			Backend:  RelayNone,
			Outbound: []string{string(events.CartAdded)},
			Inbound:  []string{string(events.CartAdded)},
		},
		Flags: FlagsConfig{
			Backend:   flagstore.BackendMemory,
			NotifyTTL: time.Minute,
		},
		Log:  LogConfig{Level: "info"},
		Stub: StubConfig{Listen: "127.0.0.1:8080", Currency: "USD"},
	}
}

// Load 读取配置文件；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse 解析 YAML 内容并校验，未知字段视为错误
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// ApplyEnv 用环境变量覆盖配置
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("CARTSYNC_BASE_URL", &c.Storefront.BaseURL)
	str("CARTSYNC_SECTION_ID", &c.Storefront.SectionID)
	dur("CARTSYNC_REQUEST_TIMEOUT", &c.Storefront.RequestTimeout)
	str("CARTSYNC_CART_TYPE", &c.Cart.Type)
	str("CARTSYNC_RELAY", &c.Relay.Backend)
	str("CARTSYNC_NATS_URL", &c.Relay.NATSURL)
	str("CARTSYNC_REDIS_ADDR", &c.Relay.RedisAddr)
	str("CARTSYNC_FLAG_BACKEND", &c.Flags.Backend)
	str("CARTSYNC_FLAG_SQLITE_PATH", &c.Flags.SQLitePath)
	str("CARTSYNC_LOG_LEVEL", &c.Log.Level)
	str("CARTSYNC_STUB_LISTEN", &c.Stub.Listen)
}

// Validate 校验配置
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Cart.Type {
	case "drawer", "page":
	default:
		add("cart.type must be drawer or page, got %q", c.Cart.Type)
	}
	if c.Storefront.RequestTimeout <= 0 {
		add("storefront.request_timeout must be positive")
	}
	if c.Cart.RefreshAttempts < 1 {
		add("cart.refresh_attempts must be at least 1")
	}

	switch c.Relay.Backend {
	case "", RelayNone:
	case RelayNATS:
		if c.Relay.NATSURL == "" {
			add("relay.nats_url is required for the nats relay")
		}
	case RelayRedis:
		if c.Relay.RedisAddr == "" {
			add("relay.redis_addr is required for the redis relay")
		}
	default:
		add("relay.backend must be none, nats or redis, got %q", c.Relay.Backend)
	}
	if _, err := events.ParseNames(c.Relay.Outbound); err != nil {
		add("relay.outbound: %v", err)
	}
	if _, err := events.ParseNames(c.Relay.Inbound); err != nil {
		add("relay.inbound: %v", err)
	}

	switch c.Flags.Backend {
	case "", flagstore.BackendMemory, flagstore.BackendSQLite:
	case flagstore.BackendRedis:
		if c.Flags.RedisAddr == "" {
			add("flags.redis_addr is required for the redis backend")
		}
	default:
		add("flags.backend must be memory, sqlite or redis, got %q", c.Flags.Backend)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
