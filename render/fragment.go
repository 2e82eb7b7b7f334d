// Package render 把服务端返回的购物车片段解析为快照，并维护由快照重建的视图投影。
//
// 片段约定（属性名即契约）：
//
//	data-cart-items                      行列表容器，必需
//	data-cart-line / data-line-key ...   每一行
//	data-cart-upsell, data-cart-summary  可选区域，缺失时该区域不渲染
//	data-cart-count, data-cart-subtotal, data-currency  合计，必需
package render

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"cartsync/cart"
	"cartsync/errors"
)

// 片段属性
const (
	AttrItems    = "data-cart-items"
	AttrUpsell   = "data-cart-upsell"
	AttrSummary  = "data-cart-summary"
	AttrLine     = "data-cart-line"
	AttrLineKey  = "data-line-key"
	AttrVariant  = "data-variant-id"
	AttrQuantity = "data-quantity"
	AttrPrice    = "data-price"
	AttrTotal    = "data-line-total"
	AttrTitle    = "data-title"
	AttrCount    = "data-cart-count"
	AttrSubtotal = "data-cart-subtotal"
	AttrCurrency = "data-currency"
)

var regionAttrs = map[cart.Region]string{
	cart.RegionItems:   AttrItems,
	cart.RegionUpsell:  AttrUpsell,
	cart.RegionSummary: AttrSummary,
}

// Fragment 解析结果
type Fragment struct {
	Lines  []cart.Line
	Totals cart.Totals
	Markup map[cart.Region]string
}

// Snapshot 以给定代次生成快照；行与区域标记都是副本，之后修改片段不影响快照
func (f *Fragment) Snapshot(generation uint64) *cart.Snapshot {
	markup := maps.Clone(f.Markup)
	if markup == nil {
		markup = make(map[cart.Region]string)
	}
	return &cart.Snapshot{
		Lines:      slices.Clone(f.Lines),
		Totals:     f.Totals,
		Markup:     markup,
		Generation: generation,
		FetchedAt:  time.Now(),
	}
}

// Parse 解析片段。缺少行列表容器、合计属性或行键，以及行键重复时返回 MALFORMED_RESPONSE
func Parse(fragment string) (*Fragment, error) {
	root, err := html.Parse(strings.NewReader(fragment))
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrCodeMalformed, "parse cart fragment")
	}

	items := findElement(root, func(n *html.Node) bool { return hasAttr(n, AttrItems) })
	if items == nil {
		return nil, errors.NewError(errors.ErrCodeMalformed, "fragment has no line item container")
	}
	totalsNode := findElement(root, func(n *html.Node) bool { return hasAttr(n, AttrCount) })
	if totalsNode == nil {
		return nil, errors.NewError(errors.ErrCodeMalformed, "fragment has no totals")
	}

	currency := attr(totalsNode, AttrCurrency)
	if currency == "" {
		return nil, errors.NewError(errors.ErrCodeMalformed, "fragment totals have no currency")
	}
	count, err := parseUint(totalsNode, AttrCount)
	if err != nil {
		return nil, err
	}
	subtotal, err := parseInt(totalsNode, AttrSubtotal)
	if err != nil {
		return nil, err
	}

	f := &Fragment{
		Totals: cart.Totals{ItemCount: count, Subtotal: cart.NewMoney(subtotal, currency)},
		Markup: make(map[cart.Region]string, len(regionAttrs)),
	}

	var lineErr error
	seen := make(map[string]struct{})
	walk(items, func(n *html.Node) {
		if lineErr != nil || !hasAttr(n, AttrLine) {
			return
		}
		line, err := parseLine(n, len(f.Lines)+1, currency)
		if err != nil {
			lineErr = err
			return
		}
		// 行键是控件身份，必须唯一
		if _, dup := seen[line.Key]; dup {
			lineErr = errors.NewError(errors.ErrCodeMalformed, fmt.Sprintf("duplicate line key %q", line.Key))
			return
		}
		seen[line.Key] = struct{}{}
		f.Lines = append(f.Lines, line)
	})
	if lineErr != nil {
		return nil, lineErr
	}

	for region, a := range regionAttrs {
		node := items
		if region != cart.RegionItems {
			node = findElement(root, func(n *html.Node) bool { return hasAttr(n, a) })
		}
		if node == nil {
			continue
		}
		markup, err := innerHTML(node)
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrCodeMalformed, "render region "+string(region))
		}
		f.Markup[region] = markup
	}
	return f, nil
}

func parseLine(n *html.Node, position int, currency string) (cart.Line, error) {
	index := position
	if v := attr(n, AttrLine); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return cart.Line{}, errors.NewError(errors.ErrCodeMalformed, fmt.Sprintf("invalid line index %q", v))
		}
		index = parsed
	}
	key := strings.TrimSpace(attr(n, AttrLineKey))
	if key == "" {
		return cart.Line{}, errors.NewError(errors.ErrCodeMalformed, fmt.Sprintf("line %d has no %s", index, AttrLineKey))
	}
	qty, err := parseUint(n, AttrQuantity)
	if err != nil {
		return cart.Line{}, err
	}
	price, err := parseIntDefault(n, AttrPrice)
	if err != nil {
		return cart.Line{}, err
	}
	total, err := parseIntDefault(n, AttrTotal)
	if err != nil {
		return cart.Line{}, err
	}
	return cart.Line{
		Index:     cart.LineIndex(index),
		Key:       key,
		VariantID: attr(n, AttrVariant),
		Title:     attr(n, AttrTitle),
		Quantity:  qty,
		Price:     cart.NewMoney(price, currency),
		LineTotal: cart.NewMoney(total, currency),
	}, nil
}

func parseUint(n *html.Node, name string) (uint, error) {
	v, ok := lookupAttr(n, name)
	if !ok {
		return 0, errors.NewError(errors.ErrCodeMalformed, "missing "+name)
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeMalformed, "invalid "+name)
	}
	return uint(parsed), nil
}

func parseInt(n *html.Node, name string) (int64, error) {
	v, ok := lookupAttr(n, name)
	if !ok {
		return 0, errors.NewError(errors.ErrCodeMalformed, "missing "+name)
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, errors.WrapError(err, errors.ErrCodeMalformed, "invalid "+name)
	}
	return parsed, nil
}

func parseIntDefault(n *html.Node, name string) (int64, error) {
	if _, ok := lookupAttr(n, name); !ok {
		return 0, nil
	}
	return parseInt(n, name)
}

func lookupAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, name string) string {
	v, _ := lookupAttr(n, name)
	return v
}

func hasAttr(n *html.Node, name string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	_, ok := lookupAttr(n, name)
	return ok
}

// walk 先序遍历 n 的所有后代
func walk(n *html.Node, fn func(*html.Node)) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		fn(c)
		walk(c, fn)
	}
}

func findElement(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, match); found != nil {
			return found
		}
	}
	return nil
}

func innerHTML(n *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(buf.String()), nil
}
