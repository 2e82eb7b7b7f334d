package stub

import (
	"html/template"
)

type fragmentLine struct {
	Index     int
	Key       string
	VariantID string
	Title     string
	Quantity  int
	Price     int64
	LineTotal int64
	Display   string
}

type fragmentUpsell struct {
	VariantID string
	Title     string
	Display   string
}

type fragmentData struct {
	SectionID string
	Count     int
	Subtotal  int64
	Currency  string
	Display   string
	Lines     []fragmentLine
	Upsell    []fragmentUpsell
}

var fragmentTemplate = template.Must(template.New("cart").Parse(`<div id="{{.SectionID}}" data-cart-count="{{.Count}}" data-cart-subtotal="{{.Subtotal}}" data-currency="{{.Currency}}">
<ul data-cart-items>
{{- range .Lines}}
<li data-cart-line="{{.Index}}" data-line-key="{{.Key}}" data-variant-id="{{.VariantID}}" data-title="{{.Title}}" data-quantity="{{.Quantity}}" data-price="{{.Price}}" data-line-total="{{.LineTotal}}">{{.Title}} &times; {{.Quantity}} <span>{{.Display}}</span></li>
{{- end}}
</ul>
{{- if .Upsell}}
<div data-cart-upsell>
{{- range .Upsell}}
<a data-variant-id="{{.VariantID}}">{{.Title}} {{.Display}}</a>
{{- end}}
</div>
{{- end}}
<div data-cart-summary><span>Subtotal {{.Display}}</span></div>
</div>
`))

// fragmentDataUnsafe 需要持锁调用。推荐区只展示可售且不在购物车中的商品，没有时省略该区域
func (s *Server) fragmentDataUnsafe(sectionID string) fragmentData {
	if sectionID == "" {
		sectionID = "cart"
	}
	data := fragmentData{SectionID: sectionID, Currency: s.currency}
	inCart := make(map[string]bool, len(s.lines))
	for i, l := range s.lines {
		v := s.catalog[l.VariantID]
		total := v.Price * int64(l.Quantity)
		data.Lines = append(data.Lines, fragmentLine{
			Index:     i + 1,
			Key:       l.Key,
			VariantID: l.VariantID,
			Title:     v.Title,
			Quantity:  l.Quantity,
			Price:     v.Price,
			LineTotal: total,
			Display:   s.money(total),
		})
		data.Count += l.Quantity
		data.Subtotal += total
		inCart[l.VariantID] = true
	}
	for _, id := range s.order {
		v := s.catalog[id]
		if v.Available && !inCart[id] {
			data.Upsell = append(data.Upsell, fragmentUpsell{VariantID: id, Title: v.Title, Display: s.money(v.Price)})
		}
	}
	data.Display = s.money(data.Subtotal)
	return data
}
