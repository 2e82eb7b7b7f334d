package errors

import (
	"context"
	"fmt"
	"runtime"

	"cartsync/logging"
)

// Wrap 包装错误，添加错误码和上下文信息
// 在 coordinator/storefront 边界使用
func Wrap(ctx context.Context, err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	wrapped := WrapError(err, code, msg)
	logging.GetLogger().Debug(ctx, fmt.Sprintf("错误包装: %s (位置: %s:%d)", msg, file, line))
	return wrapped
}

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)
	logging.GetLogger().Warn(ctx, msg, allFields...)
	return wrapped
}

// NewValidationError 创建新的验证错误
func NewValidationError(msg string) error {
	return NewError(ErrCodeValidation, msg)
}

// NewInvalidInput 创建请求发出前就被拒绝的输入错误
func NewInvalidInput(msg string) error {
	return NewError(ErrCodeInvalidInput, msg)
}
