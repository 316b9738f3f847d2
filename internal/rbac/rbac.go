// Package rbac decides which canvas operations a caller's role permits.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers visible-stroke queries and undo/redo status.
	ActionRead Action = "read"
	// ActionDraw covers submits, undo, redo and room clears.
	ActionDraw Action = "draw"
	// ActionAdmin covers rebuilds and the global clear.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionDraw
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps an unset role to editor, the role of every canvas
// participant, and anything unrecognised to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case "":
		return RoleEditor
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
