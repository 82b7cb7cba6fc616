package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionView covers reading locks and presence and sending heartbeats.
	ActionView Action = "view"
	// ActionEdit covers taking and releasing node locks.
	ActionEdit Action = "edit"
	// ActionOperate covers maintenance such as forcing a lock sweep.
	ActionOperate Action = "operate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionView || action == ActionEdit
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
