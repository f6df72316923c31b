package rbac

// 权限常量
const (
	// 订阅者自身的订阅和偏好
	PermissionManageSubscription = "subscription:manage"
	// 通知预览
	PermissionPreviewNotification = "notification:preview"

	// 生产者写入 trigger
	PermissionCreateTrigger = "trigger:create"

	// 运维操作
	PermissionRunRetention = "retention:run"
	PermissionReplayOutbox = "outbox:replay"
)

// 角色常量
const (
	RoleUser     = "user"
	RoleProducer = "producer"
	RoleAdmin    = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionManageSubscription,
		PermissionPreviewNotification,
	},
	RoleProducer: {
		PermissionManageSubscription,
		PermissionPreviewNotification,
		PermissionCreateTrigger,
	},
	RoleAdmin: {
		PermissionManageSubscription,
		PermissionPreviewNotification,
		PermissionCreateTrigger,
		PermissionRunRetention,
		PermissionReplayOutbox,
	},
}

// NormalizeRole 空角色按 user 处理
func NormalizeRole(role string) string {
	if role == "" {
		return RoleUser
	}
	return role
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	permissions, ok := rolePermissions[NormalizeRole(role)]
	if !ok {
		return false
	}

	for _, p := range permissions {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role string, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
