package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerOrderStatusChange TriggerType = "order_status_change"
	TriggerNewOrder          TriggerType = "new_order"
	TriggerLowStock          TriggerType = "low_stock"
	TriggerPaymentReceived   TriggerType = "payment_received"
	TriggerGeneric           TriggerType = "generic"
)

var (
	ErrUnknownTriggerType  = errors.New("unknown trigger type")
	ErrMissingPayloadField = errors.New("missing payload field")
)

// Known 是否为已知类型；存储中读出的未知类型仍可处理，按 generic 组装
func (t TriggerType) Known() bool {
	switch t {
	case TriggerOrderStatusChange, TriggerNewOrder, TriggerLowStock, TriggerPaymentReceived, TriggerGeneric:
		return true
	}
	return false
}

// Category 返回对应的偏好类别；generic 和未知类型没有类别，总是允许
func (t TriggerType) Category() (Category, bool) {
	switch t {
	case TriggerOrderStatusChange:
		return CategoryOrderChanges, true
	case TriggerNewOrder:
		return CategoryNewOrders, true
	case TriggerLowStock:
		return CategoryLowStock, true
	case TriggerPaymentReceived:
		return CategoryPayments, true
	}
	return "", false
}

// TriggerPayload 各类型共用的扁平 payload，字段按类型选填
type TriggerPayload struct {
	OrderID       string   `json:"orderId,omitempty"`
	ClientName    string   `json:"clientName,omitempty"`
	OldStatus     string   `json:"oldStatus,omitempty"`
	NewStatus     string   `json:"newStatus,omitempty"`
	ItemName      string   `json:"itemName,omitempty"`
	Quantity      *int     `json:"quantity,omitempty"`
	Threshold     *int     `json:"threshold,omitempty"`
	Amount        *float64 `json:"amount,omitempty"`
	PaymentMethod string   `json:"paymentMethod,omitempty"`
	Venue         string   `json:"venue,omitempty"`
	Date          string   `json:"date,omitempty"`
	Title         string   `json:"title,omitempty"`
	Body          string   `json:"body,omitempty"`
}

// Trigger 一次领域事件；创建后除删除外不可修改
type Trigger struct {
	ID        uuid.UUID      `json:"id"`
	Type      TriggerType    `json:"type"`
	Payload   TriggerPayload `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
	// Processed 只在内存中标记本次 fan-out 已完成，存储中始终为 false
	Processed bool `json:"processed"`
}

// NewTrigger 校验类型和必填字段后创建 trigger，CreatedAt 由存储层写入
func NewTrigger(t TriggerType, p TriggerPayload) (*Trigger, error) {
	if err := ValidatePayload(t, p); err != nil {
		return nil, err
	}
	return &Trigger{
		ID:      uuid.New(),
		Type:    t,
		Payload: p,
	}, nil
}

// ValidatePayload 检查类型对应的关键字段
func ValidatePayload(t TriggerType, p TriggerPayload) error {
	switch t {
	case TriggerOrderStatusChange:
		if p.OrderID == "" {
			return fmt.Errorf("%w: orderId", ErrMissingPayloadField)
		}
		if p.NewStatus == "" {
			return fmt.Errorf("%w: newStatus", ErrMissingPayloadField)
		}
	case TriggerNewOrder:
		if p.OrderID == "" {
			return fmt.Errorf("%w: orderId", ErrMissingPayloadField)
		}
	case TriggerLowStock:
		if p.ItemName == "" {
			return fmt.Errorf("%w: itemName", ErrMissingPayloadField)
		}
	case TriggerPaymentReceived:
		if p.Amount == nil {
			return fmt.Errorf("%w: amount", ErrMissingPayloadField)
		}
	case TriggerGeneric:
		if p.Title == "" && p.Body == "" {
			return fmt.Errorf("%w: title or body", ErrMissingPayloadField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTriggerType, t)
	}
	return nil
}
