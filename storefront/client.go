// Package storefront 是店铺购物车接口的 HTTP 客户端：加购、改数量与片段读取。
//
// 接口地址对客户端是不透明的；客户端只负责编码请求，并把响应归类为
// 成功、结构化失败（VALIDATION）或传输失败（NETWORK / TIMEOUT）。
package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cartsync/cart"
	"cartsync/errors"
	"cartsync/logging"
)

const maxBodySize = 1 << 20

// 错误详情键
const (
	DetailHTTPStatus = "http_status"
	DetailStatus     = "status"
)

// Config 客户端配置
type Config struct {
	BaseURL    string
	AddPath    string
	ChangePath string
	ReadPath   string

	// Timeout 单个请求的超时，0 表示只依赖调用方的 ctx
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     logging.Logger
}

// DefaultConfig 默认接口路径
func DefaultConfig() Config {
	return Config{
		AddPath:    "/cart/add.js",
		ChangePath: "/cart/change.js",
		ReadPath:   "/cart",
		Timeout:    10 * time.Second,
	}
}

// Client 店铺接口客户端
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger logging.Logger
}

// NewClient 创建客户端
func NewClient(cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.AddPath == "" {
		cfg.AddPath = def.AddPath
	}
	if cfg.ChangePath == "" {
		cfg.ChangePath = def.ChangePath
	}
	if cfg.ReadPath == "" {
		cfg.ReadPath = def.ReadPath
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewInvalidInput(fmt.Sprintf("invalid storefront base url %q", cfg.BaseURL))
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		base:   base,
		http:   hc,
		logger: logging.ComponentLogger(cfg.Logger, "storefront"),
	}, nil
}

// AddResult 加购成功时服务端返回的行
type AddResult struct {
	ID        json.Number `json:"id"`
	VariantID json.Number `json:"variant_id"`
	Key       string      `json:"key"`
	Quantity  int         `json:"quantity"`
	Title     string      `json:"title"`
}

// Add 提交加购。响应体出现 status 字段即视为结构化失败
func (c *Client) Add(ctx context.Context, p AddPayload) (*AddResult, error) {
	body := strings.NewReader(p.Form().Encode())
	status, data, err := c.do(ctx, http.MethodPost, c.endpoint(c.cfg.AddPath, nil), body, "application/x-www-form-urlencoded")
	if err != nil {
		return nil, err
	}
	if failure, ok := decodeFailure(data); ok {
		return nil, failure.Err(status)
	}
	if status < 200 || status > 299 {
		return nil, httpStatusError(status)
	}

	var result AddResult
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			c.logger.Debug(ctx, "add response is not a line item", logging.Error(err))
		}
	}
	return &result, nil
}

type changeRequest struct {
	Line     cart.LineIndex `json:"line"`
	Quantity uint           `json:"quantity"`
}

// Change 修改行数量，quantity 为 0 表示删除。
// 400 表示客户端持有的状态已不可恢复，需要整体重新拉取
func (c *Client) Change(ctx context.Context, line cart.LineIndex, quantity uint) error {
	if !line.Valid() {
		return errors.NewError(errors.ErrCodeStaleReference, fmt.Sprintf("invalid line index %d", line))
	}
	payload, err := json.Marshal(changeRequest{Line: line, Quantity: quantity})
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "encode change request")
	}
	status, data, err := c.do(ctx, http.MethodPost, c.endpoint(c.cfg.ChangePath, nil), bytes.NewReader(payload), "application/json")
	if err != nil {
		return err
	}

	failure, structured := decodeFailure(data)
	if status == http.StatusBadRequest {
		msg := "购物车状态已失效"
		if structured && failure.Message != "" {
			msg = failure.Message
		}
		return errors.NewError(errors.ErrCodeUnrecoverable, msg).
			WithContext(DetailHTTPStatus, status)
	}
	if structured {
		return failure.Err(status)
	}
	if status < 200 || status > 299 {
		return httpStatusError(status)
	}
	return nil
}

// Fetch 读取购物车片段
func (c *Client) Fetch(ctx context.Context, sectionID string) (string, error) {
	q := url.Values{}
	if sectionID != "" {
		q.Set("section_id", sectionID)
	}
	status, data, err := c.do(ctx, http.MethodGet, c.endpoint(c.cfg.ReadPath, q), nil, "")
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", httpStatusError(status)
	}
	return string(data), nil
}

func (c *Client) endpoint(path string, q url.Values) string {
	ref := &url.URL{Path: path}
	if len(q) > 0 {
		ref.RawQuery = q.Encode()
	}
	return c.base.ResolveReference(ref).String()
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, contentType string) (int, []byte, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, errors.WrapError(err, errors.ErrCodeInternal, "build request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json, text/html")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, transportError(ctx, err)
	}

	c.logger.Debug(ctx, "storefront request",
		logging.String("method", method),
		logging.String("url", target),
		logging.Int("status", resp.StatusCode),
		logging.Duration("elapsed", time.Since(start)))
	return resp.StatusCode, data, nil
}

func transportError(ctx context.Context, err error) error {
	normalized := errors.Normalize(err)
	if _, ok := normalized.(errors.IError); ok {
		return normalized
	}
	return errors.Wrap(ctx, err, errors.ErrCodeNetwork, "网络请求失败")
}

func httpStatusError(status int) error {
	return errors.NewError(errors.ErrCodeNetwork, fmt.Sprintf("unexpected response status %d", status)).
		WithContext(DetailHTTPStatus, status)
}
