// Package errors 定义购物车同步引擎的错误码体系与 AppError 实现
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeTimeout      ErrorCode = "TIMEOUT"

	// 购物车请求相关
	ErrCodeNetwork        ErrorCode = "NETWORK_ERROR"
	ErrCodeValidation     ErrorCode = "VALIDATION_ERROR"
	ErrCodeStaleReference ErrorCode = "STALE_REFERENCE"
	ErrCodeUnrecoverable  ErrorCode = "UNRECOVERABLE_STATE"
	ErrCodeMalformed      ErrorCode = "MALFORMED_RESPONSE"

	// 基础设施
	ErrCodeStorage ErrorCode = "STORAGE_ERROR"
	ErrCodeQueue   ErrorCode = "QUEUE_ERROR"
)

// IError 错误接口
type IError interface {
	error

	Code() ErrorCode
	Message() string
	Cause() error
	Details() map[string]any
	Stack() string

	Wrap(msg string) IError
	WithDetails(details map[string]any) IError
	WithContext(key string, value any) IError
}

// AppError 应用错误实现
type AppError struct {
	code    ErrorCode
	message string
	cause   error
	details map[string]any
	stack   string
}

// NewError 创建新错误
func NewError(code ErrorCode, message string) IError {
	return &AppError{
		code:    code,
		message: message,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// WrapError 包装错误，err 为 nil 时返回 nil
func WrapError(err error, code ErrorCode, message string) IError {
	if err == nil {
		return nil
	}
	return &AppError{
		code:    code,
		message: message,
		cause:   err,
		details: make(map[string]any),
		stack:   captureStack(),
	}
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *AppError) Code() ErrorCode { return e.code }
func (e *AppError) Message() string { return e.message }
func (e *AppError) Cause() error    { return e.cause }
func (e *AppError) Stack() string   { return e.stack }

// Details 获取错误详情
func (e *AppError) Details() map[string]any {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	return e.details
}

// Is 同错误码即视为同类错误
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}
	if appErr, ok := target.(*AppError); ok {
		return e.code == appErr.code
	}
	return false
}

// Unwrap 解包错误（支持 errors.Unwrap）
func (e *AppError) Unwrap() error {
	return e.cause
}

// Wrap 包装错误
func (e *AppError) Wrap(msg string) IError {
	return &AppError{
		code:    e.code,
		message: fmt.Sprintf("%s: %s", msg, e.message),
		cause:   e,
		details: copyMap(e.details),
		stack:   captureStack(),
	}
}

// WithDetails 添加详情
func (e *AppError) WithDetails(details map[string]any) IError {
	merged := copyMap(e.details)
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: merged, stack: e.stack}
}

// WithContext 添加上下文
func (e *AppError) WithContext(key string, value any) IError {
	merged := copyMap(e.details)
	merged[key] = value
	return &AppError{code: e.code, message: e.message, cause: e.cause, details: merged, stack: e.stack}
}

// 预定义错误变量
var (
	ErrInternal       = NewError(ErrCodeInternal, "内部错误")
	ErrInvalidInput   = NewError(ErrCodeInvalidInput, "无效的输入参数")
	ErrConflict       = NewError(ErrCodeConflict, "目标正在处理中")
	ErrTimeout        = NewError(ErrCodeTimeout, "请求超时")
	ErrNetwork        = NewError(ErrCodeNetwork, "网络错误")
	ErrValidation     = NewError(ErrCodeValidation, "数据验证失败")
	ErrStaleReference = NewError(ErrCodeStaleReference, "购物车行已失效")
	ErrMalformed      = NewError(ErrCodeMalformed, "响应格式无法解析")
)

// IsValidation 检查是否为验证错误
func IsValidation(err error) bool {
	return IsErrorCode(err, ErrCodeValidation)
}

// IsConflict 检查是否为冲突错误（目标已有请求在途）
func IsConflict(err error) bool {
	return IsErrorCode(err, ErrCodeConflict)
}

// IsStaleReference 检查是否为失效行引用
func IsStaleReference(err error) bool {
	return IsErrorCode(err, ErrCodeStaleReference)
}

// IsNetwork 网络层失败：传输错误、超时、无结构体的非 2xx 响应
func IsNetwork(err error) bool {
	return IsErrorCode(err, ErrCodeNetwork) || IsErrorCode(err, ErrCodeTimeout)
}

// IsErrorCode 检查错误链最外层的 AppError 是否为指定错误代码
func IsErrorCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code == code
	}
	return false
}

// GetErrorCode 获取错误代码
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stdErrors.As(err, &appErr) {
		return appErr.code
	}
	return ErrCodeInternal
}

// DetailOf 读取错误链上第一个携带该详情键的值
func DetailOf(err error, key string) (any, bool) {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if v, exists := appErr.details[key]; exists {
				return v, true
			}
		}
		err = stdErrors.Unwrap(err)
	}
	return nil, false
}

func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var builder strings.Builder
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		builder.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		if !more {
			break
		}
	}
	return builder.String()
}

func copyMap(original map[string]any) map[string]any {
	copied := make(map[string]any, len(original))
	for k, v := range original {
		copied[k] = v
	}
	return copied
}
