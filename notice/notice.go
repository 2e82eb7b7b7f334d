// Package notice 把协调器边界捕获的失败归类并保存为内联错误记录。
// 记录只影响展示，从不改动购物车快照
package notice

import (
	"context"
	"sort"
	"sync"
	"time"

	"cartsync/cart"
	"cartsync/errors"
	"cartsync/logging"
	"cartsync/validation"
)

// GenericNetworkMessage 传输失败时展示的通用文案
const GenericNetworkMessage = "There was an error while updating your cart. Please try again."

// Kind 错误分类
type Kind string

const (
	KindNone       Kind = ""
	KindNetwork    Kind = "network"
	KindValidation Kind = "validation"
	KindStale      Kind = "stale_reference"
	KindBusy       Kind = "busy"
)

// Classify 按错误码归类；未识别的错误按网络错误处理
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch errors.GetErrorCode(err) {
	case errors.ErrCodeValidation, errors.ErrCodeInvalidInput:
		return KindValidation
	case errors.ErrCodeStaleReference:
		return KindStale
	case errors.ErrCodeConflict:
		return KindBusy
	default:
		return KindNetwork
	}
}

// Handler 内联错误记录，按目标（行或表单）保存
type Handler struct {
	mu      sync.RWMutex
	records map[string]cart.ErrorRecord
	now     func() time.Time
	logger  logging.Logger
}

// NewHandler 创建错误处理器
func NewHandler(logger logging.Logger) *Handler {
	return &Handler{
		records: make(map[string]cart.ErrorRecord),
		now:     time.Now,
		logger:  logging.ComponentLogger(logger, "notice"),
	}
}

// Render 为目标生成错误记录并替换同一目标的旧记录。
// 失效引用与目标忙碌不会展示，返回 false
func (h *Handler) Render(ctx context.Context, scope cart.Scope, target string, err error) (cart.ErrorRecord, bool) {
	kind := Classify(err)
	switch kind {
	case KindNone:
		return cart.ErrorRecord{}, false
	case KindStale, KindBusy:
		h.logger.Info(ctx, "cart operation ignored",
			logging.String("target", target),
			logging.String("kind", string(kind)),
			logging.Error(err))
		return cart.ErrorRecord{}, false
	}

	rec := cart.ErrorRecord{
		Scope:     scope,
		Target:    target,
		Code:      string(errors.GetErrorCode(err)),
		Message:   GenericNetworkMessage,
		CreatedAt: h.now(),
	}
	if kind == KindValidation {
		rec.Message = messageOf(err)
		if v, ok := errors.DetailOf(err, validation.DetailFields); ok {
			if fields, ok := v.(map[string]string); ok && len(fields) > 0 {
				rec.FieldErrors = copyFields(fields)
			}
		}
	}

	h.mu.Lock()
	h.records[target] = rec
	h.mu.Unlock()

	h.logger.Warn(ctx, "cart operation failed",
		logging.String("target", target),
		logging.String("scope", string(scope)),
		logging.String("kind", string(kind)),
		logging.Error(err))
	return rec, true
}

// Dismiss 用户手动关闭
func (h *Handler) Dismiss(target string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.records[target]; !ok {
		return false
	}
	delete(h.records, target)
	return true
}

// ClearFor 同一目标的后续操作成功时自动清除
func (h *Handler) ClearFor(target string) {
	h.mu.Lock()
	delete(h.records, target)
	h.mu.Unlock()
}

// For 目标当前的错误记录，可直接作为 render.ErrorLookup 使用
func (h *Handler) For(target string) (cart.ErrorRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[target]
	return rec, ok
}

// Records 全部记录，按创建时间排序
func (h *Handler) Records() []cart.ErrorRecord {
	h.mu.RLock()
	out := make([]cart.ErrorRecord, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Target < out[j].Target
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func messageOf(err error) string {
	if appErr, ok := err.(errors.IError); ok {
		return appErr.Message()
	}
	return err.Error()
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
