package model

// Notification 是投递给设备的通知内容，前台展示和后台推送使用同一结构
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// 深链 tab
const (
	TabOrders     = "orders"
	TabHistory    = "history"
	TabInventory  = "inventory"
	TabFinancials = "financials"
)
