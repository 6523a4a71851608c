package rbac

type Role string
type Action string

const (
	RoleViewer     Role = "viewer"
	RoleTranslator Role = "translator"
	RoleEditor     Role = "editor"
	RoleDeveloper  Role = "developer"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead        Action = "read"
	ActionCreate      Action = "create"
	ActionEditSlug    Action = "edit_slug"
	ActionConfirmSlug Action = "confirm_slug"
	ActionDelete      Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleDeveloper:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionCreate || action == ActionEditSlug || action == ActionDelete
	case RoleTranslator:
		return action == ActionRead || action == ActionCreate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func CanEditSlug(role Role) bool {
	return Can(role, ActionEditSlug)
}

// IsCurator reports whether slug changes by role count as confirmed, so the
// renamed copies are not queued for review.
func IsCurator(role Role) bool {
	return Can(role, ActionConfirmSlug)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleTranslator, RoleEditor, RoleDeveloper, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
