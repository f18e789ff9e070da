package ledger

import "fmt"

// ActionType is the semantic action recorded in the ledger. Moderation and
// user actions share the enum; Moderation() tells the two apart so each entry
// point can reject the other side's values.
type ActionType string

const (
	// Moderation actions (administrative or system actors).
	ActionAdminHide     ActionType = "ADMIN_HIDE"
	ActionAdminUnhide   ActionType = "ADMIN_UNHIDE"
	ActionAdminDelete   ActionType = "ADMIN_DELETE"
	ActionResolveReport ActionType = "RESOLVE_REPORT"
	ActionRejectReport  ActionType = "REJECT_REPORT"

	// User actions (the resource's own creator).
	ActionUserUpdate   ActionType = "USER_UPDATE"
	ActionUserDelete   ActionType = "USER_DELETE"
	ActionUserWithdraw ActionType = "USER_WITHDRAW"
)

// Moderation reports whether a is an administrative action.
func (a ActionType) Moderation() bool {
	switch a {
	case ActionAdminHide, ActionAdminUnhide, ActionAdminDelete, ActionResolveReport, ActionRejectReport:
		return true
	case ActionUserUpdate, ActionUserDelete, ActionUserWithdraw:
		return false
	}
	return false
}

// IsDelete reports whether a moves the target into the terminal deleted
// state. Repeating such an action on an already-deleted row is the
// idempotent no-op case.
func (a ActionType) IsDelete() bool {
	switch a {
	case ActionUserDelete, ActionUserWithdraw, ActionAdminDelete:
		return true
	}
	return false
}

// TargetType names the kind of row a governed mutation operates on.
type TargetType string

const (
	TargetReport      TargetType = "REPORT"
	TargetComment     TargetType = "COMMENT"
	TargetChatMessage TargetType = "CHAT_MESSAGE"
	TargetUser        TargetType = "USER"
)

// table maps the target type onto its backing table. The table name is taken
// from this closed set only, never from caller input.
func (t TargetType) table() (string, error) {
	switch t {
	case TargetReport:
		return "reports", nil
	case TargetComment:
		return "comments", nil
	case TargetChatMessage:
		return "chat_messages", nil
	case TargetUser:
		return "users", nil
	}
	return "", fmt.Errorf("unknown target type %q", string(t))
}

// ownerField names the snapshot column that identifies the row's creator.
func (t TargetType) ownerField() string {
	if t == TargetChatMessage {
		return "sender_id"
	}
	if t == TargetUser {
		return "id"
	}
	return "owner_id"
}
