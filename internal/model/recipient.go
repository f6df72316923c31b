package model

import (
	"fmt"
	"time"
)

// Category 接收者可单独关闭的通知类别
type Category string

const (
	CategoryOrderChanges Category = "orderChanges"
	CategoryLowStock     Category = "lowStock"
	CategoryNewOrders    Category = "newOrders"
	CategoryPayments     Category = "payments"
	CategoryTeamUpdates  Category = "teamUpdates"
)

var AllCategories = []Category{
	CategoryOrderChanges,
	CategoryLowStock,
	CategoryNewOrders,
	CategoryPayments,
	CategoryTeamUpdates,
}

func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Preferences 类别开关；缺少的 key 视为开启
type Preferences map[Category]bool

// DefaultPreferences 新订阅者的初始偏好，全部开启
func DefaultPreferences() Preferences {
	p := make(Preferences, len(AllCategories))
	for _, c := range AllCategories {
		p[c] = true
	}
	return p
}

func (p Preferences) Allows(c Category) bool {
	v, ok := p[c]
	return !ok || v
}

// Merge 返回按 key 覆盖后的新偏好，不修改接收者
func (p Preferences) Merge(other Preferences) Preferences {
	out := make(Preferences, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Validate 拒绝未知类别
func (p Preferences) Validate() error {
	for k := range p {
		if !k.Valid() {
			return fmt.Errorf("unknown preference category %q", k)
		}
	}
	return nil
}

// DeviceInfo 订阅时上报的设备信息，仅供展示
type DeviceInfo struct {
	UserAgent string `json:"userAgent,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Locale    string `json:"locale,omitempty"`
}

// Recipient 一个用户的推送订阅
type Recipient struct {
	ID                string      `json:"id"`
	Address           *string     `json:"-"`
	Enabled           bool        `json:"enabled"`
	Preferences       Preferences `json:"preferences"`
	DeviceInfo        DeviceInfo  `json:"deviceInfo"`
	LastAddressUpdate *time.Time  `json:"lastAddressUpdate,omitempty"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// Subscribed 是否持有可用的推送地址
func (r Recipient) Subscribed() bool {
	return r.Address != nil && *r.Address != ""
}

// Eligible 可参与 fan-out：已开启且有地址
func (r Recipient) Eligible() bool {
	return r.Enabled && r.Subscribed()
}

// Wants 按偏好判断是否接收该类型的通知
func (r Recipient) Wants(t TriggerType) bool {
	c, ok := t.Category()
	if !ok {
		return true
	}
	return r.Preferences.Allows(c)
}
