// Package stub 是一个内存中的假店铺，提供与真实店铺相同形状的加购、改数量与片段读取接口。
// 用于测试和本地演示（cartsync stub）
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"cartsync/cart"
	"cartsync/logging"
	"cartsync/storefront"
	"cartsync/validation"
)

// Endpoint 接口标识
type Endpoint string

const (
	EndpointAdd    Endpoint = "add"
	EndpointChange Endpoint = "change"
	EndpointRead   Endpoint = "read"
)

// Variant 商品规格
type Variant struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	Price     int64  `json:"price" yaml:"price"`
	Available bool   `json:"available" yaml:"available"`
	// Inventory 库存上限，0 表示不限
	Inventory int `json:"inventory" yaml:"inventory"`
}

// DefaultCatalog 演示用商品
func DefaultCatalog() []Variant {
	return []Variant{
		{ID: "101", Title: "Linen Shirt", Price: 4500, Available: true},
		{ID: "202", Title: "Ceramic Mug", Price: 1800, Available: true, Inventory: 5},
		{ID: "303", Title: "Wool Scarf", Price: 3200, Available: false},
		{ID: "404", Title: "Gift Card", Price: 5000, Available: true},
	}
}

// Config 假店铺配置
type Config struct {
	Currency   string
	Catalog    []Variant
	AddPath    string
	ChangePath string
	ReadPath   string
	Logger     logging.Logger
}

type line struct {
	Key        string
	VariantID  string
	Quantity   int
	Properties map[string]string
}

type fault struct {
	status int
	body   any
}

// Server 假店铺
type Server struct {
	mu       sync.Mutex
	currency string
	catalog  map[string]Variant
	order    []string
	lines    []*line
	keySeq   int

	faults map[Endpoint][]fault
	holds  map[Endpoint]chan struct{}
	calls  map[Endpoint]int

	cfg    Config
	router *mux.Router
	logger logging.Logger
}

// New 创建假店铺
func New(cfg Config) *Server {
	def := storefront.DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.AddPath == "" {
		cfg.AddPath = def.AddPath
	}
	if cfg.ChangePath == "" {
		cfg.ChangePath = def.ChangePath
	}
	if cfg.ReadPath == "" {
		cfg.ReadPath = def.ReadPath
	}

	s := &Server{
		currency: strings.ToUpper(cfg.Currency),
		catalog:  make(map[string]Variant, len(cfg.Catalog)),
		faults:   make(map[Endpoint][]fault),
		holds:    make(map[Endpoint]chan struct{}),
		calls:    make(map[Endpoint]int),
		cfg:      cfg,
		logger:   logging.ComponentLogger(cfg.Logger, "stub"),
	}
	for _, v := range cfg.Catalog {
		s.catalog[v.ID] = v
		s.order = append(s.order, v.ID)
	}

	r := mux.NewRouter()
	r.HandleFunc(cfg.AddPath, s.handleAdd).Methods(http.MethodPost)
	r.HandleFunc(cfg.ChangePath, s.handleChange).Methods(http.MethodPost)
	r.HandleFunc(cfg.ReadPath, s.handleRead).Methods(http.MethodGet)
	r.HandleFunc(cfg.ReadPath+".js", s.handleCartJSON).Methods(http.MethodGet)
	r.Use(s.countCalls)
	s.router = r
	return s
}

// Handler HTTP 处理器
func (s *Server) Handler() http.Handler {
	return s.router
}

// Seed 直接向购物车放入一行，返回行键
func (s *Server) Seed(variantID string, quantity int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLineUnsafe(variantID, quantity, nil).Key
}

// SetAvailable 修改规格是否可售（模拟其他渠道的库存变化）
func (s *Server) SetAvailable(variantID string, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.catalog[variantID]; ok {
		v.Available = available
		s.catalog[variantID] = v
	}
}

// FailNext 让接口的下一次请求返回指定状态码；body 为 nil 时响应体为空
func (s *Server) FailNext(e Endpoint, status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[e] = append(s.faults[e], fault{status: status, body: body})
}

// Hold 阻塞接口的请求，直到调用返回的释放函数
func (s *Server) Hold(e Endpoint) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[e] = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.holds[e] == ch {
				delete(s.holds, e)
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Calls 接口被调用的次数
func (s *Server) Calls(e Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[e]
}

// ItemCount 服务端数量合计
func (s *Server) ItemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.lines {
		n += l.Quantity
	}
	return n
}

func (s *Server) endpointOf(r *http.Request) Endpoint {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == s.cfg.AddPath:
		return EndpointAdd
	case r.Method == http.MethodPost && r.URL.Path == s.cfg.ChangePath:
		return EndpointChange
	default:
		return EndpointRead
	}
}

// countCalls 统计调用、执行阻塞与注入的故障
func (s *Server) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e := s.endpointOf(r)
		s.mu.Lock()
		s.calls[e]++
		hold := s.holds[e]
		var f *fault
		if queue := s.faults[e]; len(queue) > 0 {
			f = &queue[0]
			s.faults[e] = queue[1:]
		}
		s.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if f != nil {
			if f.body == nil {
				w.WriteHeader(f.status)
				return
			}
			writeJSON(w, f.status, f.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type failure struct {
	Status      int    `json:"status"`
	Message     string `json:"message"`
	Description any    `json:"description"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{http.StatusBadRequest, "Cart Error", "Malformed form"})
		return
	}
	id := r.PostForm.Get("id")
	qty := 1
	if raw := r.PostForm.Get("quantity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusUnprocessableEntity, failure{422, "Cart Error", "Quantity must be at least 1"})
			return
		}
		qty = n
	}

	props := map[string]string{}
	for k, vs := range r.PostForm {
		if strings.HasPrefix(k, "properties[") && strings.HasSuffix(k, "]") && len(vs) > 0 {
			props[strings.TrimSuffix(strings.TrimPrefix(k, "properties["), "]")] = vs[0]
		}
	}
	if props[storefront.PropSendToRecipient] == "on" {
		fields := map[string]string{}
		if err := validation.ValidateEmail(props[storefront.PropRecipientEmail]); err != nil {
			fields["email"] = "is invalid"
		}
		if strings.TrimSpace(props[storefront.PropRecipientName]) == "" {
			fields["name"] = "can't be blank"
		}
		if len(fields) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, failure{422, "Recipient is invalid", fields})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.catalog[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, failure{404, "Cart Error", "Cannot find variant"})
		return
	}
	if !v.Available {
		writeJSON(w, http.StatusUnprocessableEntity, failure{422, "Sold out", "Variant unavailable"})
		return
	}
	if v.Inventory > 0 && s.quantityOfUnsafe(id)+qty > v.Inventory {
		writeJSON(w, http.StatusUnprocessableEntity, failure{422, "Cart Error",
			fmt.Sprintf("You can only add %d %s to the cart.", v.Inventory, v.Title)})
		return
	}

	l := s.addLineUnsafe(id, qty, props)
	writeJSON(w, http.StatusOK, s.lineJSONUnsafe(l))
}

type changeBody struct {
	Line     int `json:"line"`
	Quantity int `json:"quantity"`
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var body changeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, failure{400, "Cart Error", "Malformed body"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if body.Line < 1 || body.Line > len(s.lines) {
		writeJSON(w, http.StatusBadRequest, failure{400, "Cart Error", "Line is out of range"})
		return
	}
	if body.Quantity < 0 {
		writeJSON(w, http.StatusUnprocessableEntity, failure{422, "Cart Error", "Quantity must be positive"})
		return
	}
	l := s.lines[body.Line-1]
	if body.Quantity == 0 {
		s.lines = append(s.lines[:body.Line-1], s.lines[body.Line:]...)
	} else {
		v := s.catalog[l.VariantID]
		if v.Inventory > 0 && body.Quantity > v.Inventory {
			writeJSON(w, http.StatusUnprocessableEntity, failure{422, "Cart Error",
				fmt.Sprintf("You can only add %d %s to the cart.", v.Inventory, v.Title)})
			return
		}
		l.Quantity = body.Quantity
	}
	writeJSON(w, http.StatusOK, s.cartJSONUnsafe())
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	data := s.fragmentDataUnsafe(r.URL.Query().Get("section_id"))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := fragmentTemplate.Execute(w, data); err != nil {
		s.logger.Error(context.Background(), "render fragment failed", logging.Error(err))
	}
}

func (s *Server) handleCartJSON(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	body := s.cartJSONUnsafe()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) addLineUnsafe(variantID string, qty int, props map[string]string) *line {
	for _, l := range s.lines {
		if l.VariantID == variantID && sameProps(l.Properties, props) {
			l.Quantity += qty
			return l
		}
	}
	s.keySeq++
	l := &line{
		Key:        fmt.Sprintf("%s:%04d", variantID, s.keySeq),
		VariantID:  variantID,
		Quantity:   qty,
		Properties: props,
	}
	s.lines = append(s.lines, l)
	return l
}

func (s *Server) quantityOfUnsafe(variantID string) int {
	n := 0
	for _, l := range s.lines {
		if l.VariantID == variantID {
			n += l.Quantity
		}
	}
	return n
}

func (s *Server) lineJSONUnsafe(l *line) map[string]any {
	v := s.catalog[l.VariantID]
	return map[string]any{
		"id":         json.Number(l.VariantID),
		"variant_id": json.Number(l.VariantID),
		"key":        l.Key,
		"quantity":   l.Quantity,
		"title":      v.Title,
		"price":      v.Price,
		"line_price": v.Price * int64(l.Quantity),
		"properties": l.Properties,
	}
}

func (s *Server) cartJSONUnsafe() map[string]any {
	items := make([]map[string]any, 0, len(s.lines))
	var count int
	var total int64
	for _, l := range s.lines {
		items = append(items, s.lineJSONUnsafe(l))
		count += l.Quantity
		total += s.catalog[l.VariantID].Price * int64(l.Quantity)
	}
	return map[string]any{
		"item_count":  count,
		"total_price": total,
		"currency":    s.currency,
		"items":       items,
	}
}

func sameProps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// money 片段中展示的金额文本
func (s *Server) money(amount int64) string {
	return cart.NewMoney(amount, s.currency).String()
}
