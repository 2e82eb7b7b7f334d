package storefront

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cartsync/errors"
	"cartsync/validation"
)

// Failure 结构化失败响应 {status, message, description}。
// description 可能是字符串，也可能是字段到消息的映射
type Failure struct {
	Status      json.RawMessage `json:"status"`
	Message     string          `json:"message"`
	Description json.RawMessage `json:"description"`
}

// decodeFailure 响应体是带 status 字段的 JSON 对象时返回 true
func decodeFailure(data []byte) (*Failure, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var f Failure
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return nil, false
	}
	if len(f.Status) == 0 || string(f.Status) == "null" {
		return nil, false
	}
	return &f, true
}

// StatusText status 字段的文本形式（可能是数字或字符串）
func (f *Failure) StatusText() string {
	var s string
	if err := json.Unmarshal(f.Status, &s); err == nil {
		return s
	}
	return string(f.Status)
}

// DescriptionText description 为字符串时的内容
func (f *Failure) DescriptionText() string {
	var s string
	if err := json.Unmarshal(f.Description, &s); err == nil {
		return s
	}
	return ""
}

// FieldErrors description 为映射时的字段错误；值可以是字符串或字符串数组
func (f *Failure) FieldErrors() map[string]string {
	if len(f.Description) == 0 || f.Description[0] != '{' {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.Description, &raw); err != nil {
		return nil
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			fields[k] = s
			continue
		}
		var list []string
		if err := json.Unmarshal(v, &list); err == nil {
			fields[k] = strings.Join(list, ", ")
			continue
		}
		fields[k] = string(v)
	}
	return fields
}

// Text 展示给用户的文本："message: description"
func (f *Failure) Text() string {
	desc := f.DescriptionText()
	switch {
	case f.Message != "" && desc != "":
		return f.Message + ": " + desc
	case f.Message != "":
		return f.Message
	case desc != "":
		return desc
	}
	if fields := f.FieldErrors(); len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ", ")
	}
	return fmt.Sprintf("request failed (%s)", f.StatusText())
}

// Err 转换为 VALIDATION 错误
func (f *Failure) Err(httpStatus int) error {
	e := errors.NewError(errors.ErrCodeValidation, f.Text()).
		WithContext(DetailStatus, f.StatusText()).
		WithContext(DetailHTTPStatus, httpStatus)
	if fields := f.FieldErrors(); len(fields) > 0 {
		e = e.WithContext(validation.DetailFields, fields)
	}
	return e
}
