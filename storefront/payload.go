package storefront

import (
	"net/url"
	"sort"
	"strconv"

	"cartsync/errors"
	"cartsync/validation"
)

// 加购表单中礼品卡收件人字段的属性名
const (
	PropSendToRecipient = "__shopify_send_gift_card_to_recipient"
	PropRecipientEmail  = "Recipient email"
	PropRecipientName   = "Recipient name"
	PropRecipientNote   = "Message"

	// MaxRecipientMessage 收件人留言的最大字符数
	MaxRecipientMessage = 200
)

// Recipient 礼品卡收件人
type Recipient struct {
	Email   string `json:"email" yaml:"email"`
	Name    string `json:"name" yaml:"name"`
	Message string `json:"message" yaml:"message"`
}

// AddPayload 加购请求
type AddPayload struct {
	// Origin 发起的表单/控件标识，用于门控与错误定位
	Origin      string
	VariantID   string
	Quantity    int
	SellingPlan string
	Properties  map[string]string
	Recipient   *Recipient
	// Uploads 表单中携带文件的字段名；包含文件的表单不走异步加购
	Uploads []string
}

// HasFileUpload 是否包含文件上传
func (p AddPayload) HasFileUpload() bool {
	return len(p.Uploads) > 0
}

// Validate 在发出网络请求前校验负载
func (p AddPayload) Validate() error {
	if p.HasFileUpload() {
		return errors.NewInvalidInput("表单包含文件上传，无法异步提交")
	}
	if err := validation.ValidateRequired(p.VariantID, "variant"); err != nil {
		return err
	}
	if err := validation.ValidateQuantity(p.Quantity, 0); err != nil {
		return err
	}
	if p.Recipient == nil {
		return nil
	}

	fe := validation.NewFieldErrors()
	fe.Check("email", validation.ValidateEmail(p.Recipient.Email))
	fe.Check("name", validation.ValidateRequired(p.Recipient.Name, "name"))
	fe.Check("message", validation.ValidateMaxLength(p.Recipient.Message, "message", MaxRecipientMessage))
	return fe.Err("recipient")
}

// Form 编码为表单
func (p AddPayload) Form() url.Values {
	form := url.Values{}
	form.Set("id", p.VariantID)
	form.Set("quantity", strconv.Itoa(p.Quantity))
	if p.SellingPlan != "" {
		form.Set("selling_plan", p.SellingPlan)
	}

	keys := make([]string, 0, len(p.Properties))
	for k := range p.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		form.Set(propertyField(k), p.Properties[k])
	}

	if r := p.Recipient; r != nil {
		form.Set(propertyField(PropSendToRecipient), "on")
		form.Set(propertyField(PropRecipientEmail), r.Email)
		form.Set(propertyField(PropRecipientName), r.Name)
		if r.Message != "" {
			form.Set(propertyField(PropRecipientNote), r.Message)
		}
	}
	return form
}

func propertyField(name string) string {
	return "properties[" + name + "]"
}
