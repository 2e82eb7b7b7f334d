// Package retry 为幂等读请求（购物车拉取）提供有界的指数退避重试
package retry

import (
	"context"
	"time"
)

// Operation 可重试的操作函数，attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数
	MaxDelay      time.Duration // 单次最大延迟

	// Retryable 判断错误是否值得重试；nil 表示所有错误都重试
	Retryable func(err error) bool
}

// DefaultConfig 返回默认配置：1 次初始 + 1 次重试，50ms 起步
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   2,
		InitialDelay:  50 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      time.Second,
	}
}

// Do 执行带重试的操作，返回最后一次失败的错误或 nil。
// 不可重试的错误立即返回；ctx 取消时返回 ctx.Err()。
func Do(ctx context.Context, op Operation, cfg Config) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(Backoff(cfg, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// Backoff 第 attempt 次失败后的等待时间
func Backoff(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffFactor
	}
	d := time.Duration(delay)
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
