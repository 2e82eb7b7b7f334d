// Package flagstore 保存短期的客户端标记，例如表单提交导致页面重载后
// 需要重新打开的“到货通知”弹层。标记一次性消费，到期自动失效。
package flagstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cartsync/errors"
	"cartsync/logging"
)

// Store 标记存储
type Store interface {
	// Set 写入标记，ttl<=0 表示不过期
	Set(ctx context.Context, key string, ttl time.Duration) error
	// Take 读取并删除标记；不存在或已过期返回 false
	Take(ctx context.Context, key string) (bool, error)
	Close() error
}

// Purger 需要主动清理过期标记的存储；Redis 由服务端过期，不实现
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// 后端名称
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config 存储配置
type Config struct {
	Backend string `yaml:"backend"`
	// SQLitePath sqlite 数据库文件，":memory:" 表示内存库
	SQLitePath string `yaml:"sqlite_path"`
	RedisAddr  string `yaml:"redis_addr"`
	KeyPrefix  string `yaml:"key_prefix"`
	MaxEntries int    `yaml:"max_entries"`

	Logger logging.Logger `yaml:"-"`
}

// Open 按配置创建存储
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(cfg.MaxEntries), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case BackendRedis:
		return NewRedisStore(ctx, RedisConfig{Addr: cfg.RedisAddr, Prefix: cfg.KeyPrefix})
	default:
		return nil, errors.NewInvalidInput(fmt.Sprintf("unknown flag store backend %q", cfg.Backend))
	}
}

// Reopener “到货通知”弹层的重开标记
type Reopener struct {
	store  Store
	ttl    time.Duration
	logger logging.Logger
}

// NewReopener 创建重开标记，ttl 为标记的有效期
func NewReopener(store Store, ttl time.Duration, logger logging.Logger) *Reopener {
	return &Reopener{store: store, ttl: ttl, logger: logging.ComponentLogger(logger, "flagstore")}
}

func notifyKey(formID string) string {
	return "notify-me:" + formID
}

// Remember 表单提交前调用
func (r *Reopener) Remember(ctx context.Context, formID string) error {
	if err := r.store.Set(ctx, notifyKey(formID), r.ttl); err != nil {
		return errors.WrapWithLog(ctx, err, errors.ErrCodeStorage, "remember notify-me form",
			logging.String("form", formID))
	}
	return nil
}

// PurgeExpired 清理上次会话遗留的过期标记
func (r *Reopener) PurgeExpired(ctx context.Context) {
	p, ok := r.store.(Purger)
	if !ok {
		return
	}
	n, err := p.Purge(ctx)
	if err != nil {
		r.logger.Warn(ctx, "purge expired flags failed", logging.Error(err))
		return
	}
	if n > 0 {
		r.logger.Debug(ctx, "expired flags purged", logging.Int64("count", n))
	}
}

// ShouldReopen 页面加载后调用，标记只生效一次
func (r *Reopener) ShouldReopen(ctx context.Context, formID string) bool {
	ok, err := r.store.Take(ctx, notifyKey(formID))
	if err != nil {
		r.logger.Warn(ctx, "read notify-me flag failed", logging.String("form", formID), logging.Error(err))
		return false
	}
	return ok
}
