package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"cartsync/cart"
	sharederrors "cartsync/errors"
)

// 退出码
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // 店铺拒绝了变更
	ExitCommandError = 2 // 配置或参数错误
)

// ExitError 带退出码的错误
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError 包装错误并指定退出码
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode 提取退出码，非 ExitError 返回 ExitFailure
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter 按 text / json 输出
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse JSON 输出格式
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError JSON 错误
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// CartView 购物车输出
type CartView struct {
	Generation uint64             `json:"generation"`
	ItemCount  uint               `json:"item_count"`
	Subtotal   string             `json:"subtotal"`
	Lines      []cart.Line        `json:"lines"`
	Errors     []cart.ErrorRecord `json:"errors,omitempty"`
}

// NewCartView 由快照与当前错误构造输出
func NewCartView(s *cart.Snapshot, records []cart.ErrorRecord) CartView {
	lines := s.Lines
	if lines == nil {
		lines = []cart.Line{}
	}
	return CartView{
		Generation: s.Generation,
		ItemCount:  s.Totals.ItemCount,
		Subtotal:   s.Totals.Subtotal.String(),
		Lines:      lines,
		Errors:     records,
	}
}

// Cart 输出购物车
func (f *OutputFormatter) Cart(v CartView) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: v})
	}

	if len(v.Lines) == 0 {
		fmt.Fprintln(f.Writer, "Cart is empty")
	} else {
		tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LINE\tTITLE\tQTY\tPRICE\tTOTAL")
		for _, l := range v.Lines {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\n", l.Index, l.Title, l.Quantity, l.Price, l.LineTotal)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	fmt.Fprintf(f.Writer, "%d item(s), subtotal %s\n", v.ItemCount, v.Subtotal)
	for _, r := range v.Errors {
		fmt.Fprintf(f.Writer, "! %s: %s\n", r.Target, r.Message)
		for field, msg := range r.FieldErrors {
			fmt.Fprintf(f.Writer, "    %s: %s\n", field, msg)
		}
	}
	f.VerboseLog("generation %d", v.Generation)
	return nil
}

// Success 输出一般结果
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error 输出错误
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Failure 输出变更失败，并返回供命令使用的 ExitError
func (f *OutputFormatter) Failure(err error, records []cart.ErrorRecord) error {
	code := string(sharederrors.GetErrorCode(err))
	var details any
	if len(records) > 0 {
		details = records
	}
	message := err.Error()
	var appErr sharederrors.IError
	if errors.As(err, &appErr) {
		message = appErr.Message()
	}
	if outErr := f.Error(code, message, details); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, code, err)
}

// VerboseLog 仅在 verbose 时输出到 ErrWriter
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
