// Package validation 提供提交前的字段校验，失败的请求不会发到网络
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"cartsync/errors"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// DetailFields AppError 详情中字段错误映射的键
const DetailFields = "fields"

// ValidateRequired 验证必填字段
func ValidateRequired(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("%s不能为空", fieldName))
	}
	return nil
}

// ValidateMaxLength 按字符数限制长度
func ValidateMaxLength(value, fieldName string, max int) error {
	if n := utf8.RuneCountInString(value); max > 0 && n > max {
		return errors.NewError(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s长度不能超过%d个字符（当前%d）", fieldName, max, n))
	}
	return nil
}

// ValidateQuantity 加购数量必须在 [1, max]，max<=0 表示不设上限
func ValidateQuantity(quantity int, max int) error {
	if quantity < 1 {
		return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("数量必须为正数（当前%d）", quantity))
	}
	if max > 0 && quantity > max {
		return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("数量不能大于%d（当前%d）", max, quantity))
	}
	return nil
}

// ValidateEmail 验证邮箱格式
func ValidateEmail(email string) error {
	if email == "" {
		return errors.NewError(errors.ErrCodeInvalidInput, "邮箱不能为空")
	}
	if !emailRegex.MatchString(email) {
		return errors.NewError(errors.ErrCodeInvalidInput, "邮箱格式不正确")
	}
	return nil
}

// FieldErrors 按字段收集校验结果
type FieldErrors struct {
	fields map[string]string
}

// NewFieldErrors 创建空收集器
func NewFieldErrors() *FieldErrors {
	return &FieldErrors{fields: make(map[string]string)}
}

// Check 记录 err（非 nil 时）到 field；同一字段只保留第一条
func (f *FieldErrors) Check(field string, err error) {
	if err == nil {
		return
	}
	if _, exists := f.fields[field]; exists {
		return
	}
	if appErr, ok := err.(errors.IError); ok {
		f.fields[field] = appErr.Message()
		return
	}
	f.fields[field] = err.Error()
}

// Empty 是否没有任何字段错误
func (f *FieldErrors) Empty() bool {
	return len(f.fields) == 0
}

// Fields 字段错误副本
func (f *FieldErrors) Fields() map[string]string {
	out := make(map[string]string, len(f.fields))
	for k, v := range f.fields {
		out[k] = v
	}
	return out
}

// Err 没有错误时返回 nil，否则返回带字段详情的 INVALID_INPUT 错误
func (f *FieldErrors) Err(message string) error {
	if f.Empty() {
		return nil
	}
	names := make([]string, 0, len(f.fields))
	for k := range f.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return errors.NewError(errors.ErrCodeInvalidInput, fmt.Sprintf("%s: %s", message, strings.Join(names, ", "))).
		WithContext(DetailFields, f.Fields())
}
