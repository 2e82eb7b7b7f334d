package errors

import (
	"context"
	stdErrors "errors"
	"net"
	"net/url"
)

// Normalize 将传输层错误规范化为 AppError。
//
// 已经是 IError 的原样返回；context 超时归为 TIMEOUT，
// net.Error / url.Error 归为 NETWORK；其余未识别错误保持原样。
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(IError); ok {
		return err
	}

	if stdErrors.Is(err, context.DeadlineExceeded) {
		return WrapError(err, ErrCodeTimeout, "请求超时")
	}
	if stdErrors.Is(err, context.Canceled) {
		return WrapError(err, ErrCodeNetwork, "请求已取消")
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) {
		if netErr.Timeout() {
			return WrapError(err, ErrCodeTimeout, "请求超时")
		}
		return WrapError(err, ErrCodeNetwork, "网络请求失败")
	}

	var urlErr *url.Error
	if stdErrors.As(err, &urlErr) {
		return WrapError(err, ErrCodeNetwork, "网络请求失败")
	}

	return err
}
