package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionEditLive writes straight into the replicated document.
	ActionEditLive Action = "edit_live"
	// ActionPropose edits inside a session whose result is captured for review.
	ActionPropose Action = "propose"
	ActionReview  Action = "review"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return action == ActionRead || action == ActionEditLive || action == ActionReview
	case RoleEditor:
		return action == ActionRead || action == ActionPropose
	case RoleViewer:
		return action == ActionRead
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
