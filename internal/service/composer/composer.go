package composer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"pushfanout/internal/model"
)

const defaultBasePath = "/admin"

// Composer 把 trigger 转换成通知内容；纯函数，不访问任何外部状态
type Composer struct {
	basePath string
}

func New(basePath string) *Composer {
	if basePath == "" {
		basePath = defaultBasePath
	}
	return &Composer{basePath: strings.TrimRight(basePath, "?")}
}

// TabFor 返回 trigger 类型对应的深链 tab，未知类型落到 orders
func TabFor(t model.TriggerType) string {
	switch t {
	case model.TriggerNewOrder:
		return model.TabOrders
	case model.TriggerOrderStatusChange:
		return model.TabHistory
	case model.TriggerLowStock:
		return model.TabInventory
	case model.TriggerPaymentReceived:
		return model.TabFinancials
	default:
		return model.TabOrders
	}
}

// Compose 对任意类型都返回非空标题和非空 url
func (c *Composer) Compose(t *model.Trigger) model.Notification {
	p := t.Payload
	tab := TabFor(t.Type)

	var title, body string
	switch t.Type {
	case model.TriggerNewOrder:
		title = "New Order Received"
		body = newOrderBody(p)
	case model.TriggerOrderStatusChange:
		title = "Order Status Updated"
		body = statusChangeBody(p)
	case model.TriggerLowStock:
		title = "Low Stock Alert"
		body = lowStockBody(p)
	case model.TriggerPaymentReceived:
		title = "Payment Received"
		body = paymentBody(p)
	default:
		title = orDefault(p.Title, "Notification")
		body = orDefault(p.Body, "You have a new update.")
	}

	data := payloadData(p)
	data["type"] = string(t.Type)
	data["tab"] = tab
	data["url"] = c.link(tab)
	if t.ID != uuid.Nil {
		data["triggerId"] = t.ID.String()
	}

	return model.Notification{Title: title, Body: body, Data: data}
}

func (c *Composer) link(tab string) string {
	return c.basePath + "?tab=" + url.QueryEscape(tab)
}

func newOrderBody(p model.TriggerPayload) string {
	var b strings.Builder
	b.WriteString(orDefault(p.ClientName, "A client"))
	b.WriteString(" placed ")
	b.WriteString(orderRef(p.OrderID, "a new order"))
	if p.Venue != "" {
		b.WriteString(" at " + p.Venue)
	}
	if p.Date != "" {
		b.WriteString(" for " + p.Date)
	}
	b.WriteString(".")
	return b.String()
}

func statusChangeBody(p model.TriggerPayload) string {
	ref := "An order"
	if p.OrderID != "" {
		ref = "Order #" + p.OrderID
	}
	switch {
	case p.OldStatus != "" && p.NewStatus != "":
		return fmt.Sprintf("%s moved from %s to %s.", ref, p.OldStatus, p.NewStatus)
	case p.NewStatus != "":
		return fmt.Sprintf("%s is now %s.", ref, p.NewStatus)
	default:
		return ref + " has a new status."
	}
}

func lowStockBody(p model.TriggerPayload) string {
	item := orDefault(p.ItemName, "An item")
	switch {
	case p.Quantity != nil && p.Threshold != nil:
		return fmt.Sprintf("%s is running low: %d left (threshold %d).", item, *p.Quantity, *p.Threshold)
	case p.Quantity != nil:
		return fmt.Sprintf("%s is running low: %d left.", item, *p.Quantity)
	default:
		return item + " is running low."
	}
}

func paymentBody(p model.TriggerPayload) string {
	var b strings.Builder
	if p.Amount != nil {
		b.WriteString(formatAmount(*p.Amount))
	} else {
		b.WriteString("A payment was")
	}
	b.WriteString(" received")
	if p.ClientName != "" {
		b.WriteString(" from " + p.ClientName)
	}
	if p.OrderID != "" {
		b.WriteString(" for order #" + p.OrderID)
	}
	if p.PaymentMethod != "" {
		b.WriteString(" via " + p.PaymentMethod)
	}
	b.WriteString(".")
	return b.String()
}

// payloadData 把非空字段转成字符串，作为客户端路由用的 data
func payloadData(p model.TriggerPayload) map[string]string {
	data := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			data[k] = v
		}
	}
	set("orderId", p.OrderID)
	set("clientName", p.ClientName)
	set("oldStatus", p.OldStatus)
	set("newStatus", p.NewStatus)
	set("itemName", p.ItemName)
	set("paymentMethod", p.PaymentMethod)
	set("venue", p.Venue)
	set("date", p.Date)
	if p.Quantity != nil {
		data["quantity"] = strconv.Itoa(*p.Quantity)
	}
	if p.Threshold != nil {
		data["threshold"] = strconv.Itoa(*p.Threshold)
	}
	if p.Amount != nil {
		data["amount"] = strconv.FormatFloat(*p.Amount, 'f', 2, 64)
	}
	return data
}

func formatAmount(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 2, 64)
}

func orderRef(orderID, fallback string) string {
	if orderID == "" {
		return fallback
	}
	return "order #" + orderID
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
