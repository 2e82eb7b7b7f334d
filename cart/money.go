package cart

import (
	"fmt"
	"strings"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

// Money 金额，以货币最小单位存储
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewMoney 创建金额，币种统一为大写 ISO 4217 代码
func NewMoney(amount int64, code string) Money {
	return Money{Amount: amount, Currency: strings.ToUpper(strings.TrimSpace(code))}
}

// Unit 解析币种
func (m Money) Unit() (currency.Unit, error) {
	return currency.ParseISO(m.Currency)
}

// Scale 币种的小数位数，未知币种按 2 位处理
func (m Money) Scale() int {
	unit, err := m.Unit()
	if err != nil {
		return 2
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale
}

// Major 以主单位表示的金额
func (m Money) Major() float64 {
	v := float64(m.Amount)
	for i := 0; i < m.Scale(); i++ {
		v /= 10
	}
	return v
}

// Format 按语言环境格式化，例如 "USD 1,234.50"
func (m Money) Format(tag language.Tag) string {
	p := message.NewPrinter(tag)
	amount := p.Sprint(number.Decimal(m.Major(), number.Scale(m.Scale())))
	if m.Currency == "" {
		return amount
	}
	return fmt.Sprintf("%s %s", m.Currency, amount)
}

func (m Money) String() string {
	return m.Format(language.English)
}

// IsZero 金额是否为零
func (m Money) IsZero() bool {
	return m.Amount == 0
}
