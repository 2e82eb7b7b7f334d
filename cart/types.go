// Package cart 定义购物车快照的数据模型，以及持有当前快照的 Store。
//
// 快照是服务端真相的不可变副本：行、合计和各区域的渲染片段一起整体替换，
// 客户端从不在本地增减数量或金额。
package cart

import (
	"time"

	"github.com/google/uuid"
)

// LineIndex 服务端分配的行号，从 1 开始；每次对账都可能重新编号
type LineIndex int

// Valid 是否为可提交给服务端的行号
func (i LineIndex) Valid() bool { return i > 0 }

// Region 片段中的命名区域
type Region string

const (
	RegionItems   Region = "items"
	RegionUpsell  Region = "upsell"
	RegionSummary Region = "summary"
)

// Regions 所有区域，顺序固定
func Regions() []Region {
	return []Region{RegionItems, RegionUpsell, RegionSummary}
}

// Line 购物车行
type Line struct {
	Index     LineIndex `json:"index"`
	Key       string    `json:"key"`
	VariantID string    `json:"variant_id"`
	Title     string    `json:"title"`
	Quantity  uint      `json:"quantity"`
	Price     Money     `json:"price"`
	LineTotal Money     `json:"line_total"`
}

// Totals 服务端合计
type Totals struct {
	Subtotal  Money `json:"subtotal"`
	ItemCount uint  `json:"item_count"`
}

// Snapshot 一次成功拉取得到的完整购物车状态，创建后不得修改
type Snapshot struct {
	Lines      []Line            `json:"lines"`
	Totals     Totals            `json:"totals"`
	Markup     map[Region]string `json:"-"`
	Generation uint64            `json:"generation"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// EmptySnapshot 尚未拉取时的初始快照
func EmptySnapshot() *Snapshot {
	return &Snapshot{Markup: map[Region]string{}}
}

// Line 按行号查找
func (s *Snapshot) Line(index LineIndex) (Line, bool) {
	if s == nil || !index.Valid() || int(index) > len(s.Lines) {
		return Line{}, false
	}
	line := s.Lines[index-1]
	if line.Index != index {
		// 片段中的行号与位置不一致时退回线性查找
		for _, l := range s.Lines {
			if l.Index == index {
				return l, true
			}
		}
		return Line{}, false
	}
	return line, true
}

// LineByKey 按行键查找
func (s *Snapshot) LineByKey(key string) (Line, bool) {
	if s == nil || key == "" {
		return Line{}, false
	}
	for _, l := range s.Lines {
		if l.Key == key {
			return l, true
		}
	}
	return Line{}, false
}

// HasRegion 片段中是否包含该区域
func (s *Snapshot) HasRegion(r Region) bool {
	if s == nil {
		return false
	}
	_, ok := s.Markup[r]
	return ok
}

// IsEmpty 购物车是否为空
func (s *Snapshot) IsEmpty() bool {
	return s == nil || len(s.Lines) == 0
}

// OperationKind 挂起操作类型
type OperationKind string

const (
	OpAdd    OperationKind = "add"
	OpChange OperationKind = "change"
)

// PendingOperation 从用户交互到对账完成之间存在的操作记录
type PendingOperation struct {
	ID         string        `json:"id"`
	Kind       OperationKind `json:"kind"`
	TargetLine LineIndex     `json:"target_line,omitempty"`
	LineKey    string        `json:"line_key,omitempty"`
	Requested  uint          `json:"requested"`
	Origin     string        `json:"origin"`
	StartedAt  time.Time     `json:"started_at"`
}

// NewPendingOperation 创建挂起操作
func NewPendingOperation(kind OperationKind, origin string, requested uint) *PendingOperation {
	return &PendingOperation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Requested: requested,
		Origin:    origin,
		StartedAt: time.Now(),
	}
}

// IsRemoval 数量为 0 的改数量操作即删除
func (p *PendingOperation) IsRemoval() bool {
	return p.Kind == OpChange && p.Requested == 0
}

// Scope 错误展示范围
type Scope string

const (
	ScopeLine Scope = "line"
	ScopeForm Scope = "form"
)

// ErrorRecord 内联错误，成功的后续操作或手动关闭会清除它
type ErrorRecord struct {
	Scope       Scope             `json:"scope"`
	Target      string            `json:"target"`
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
