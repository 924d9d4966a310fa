package domain

import (
	"time"

	"github.com/google/uuid"
)

// Conversation kinds.
const (
	KindDirect = "direct"
	KindGroup  = "group"
)

// Privacy modes. StrictE2EE conversations carry client ciphertext in message
// content; ServerReadable conversations carry plaintext. Ordering and fanout
// are identical in both modes.
const (
	PrivacyStrictE2EE     = "strict_e2ee"
	PrivacyServerReadable = "server_readable"
)

type Conversation struct {
	ID           uuid.UUID `json:"id"`
	Kind         string    `json:"kind"`
	Name         *string   `json:"name,omitempty"`
	PrivacyMode  string    `json:"privacy_mode"`
	NextSequence int64     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role forms a lattice: member < moderator < admin < owner. A role may manage
// another iff it is strictly greater.
type Role int

const (
	RoleMember Role = iota + 1
	RoleModerator
	RoleAdmin
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleMember:
		return "member"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "unknown"
	}
}

// ParseRole returns the role for its database representation, false if the
// value is not a known role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "member":
		return RoleMember, true
	case "moderator":
		return RoleModerator, true
	case "admin":
		return RoleAdmin, true
	case "owner":
		return RoleOwner, true
	default:
		return 0, false
	}
}

// CanManage reports whether r may manage target. Equal roles never manage
// each other; in particular two owners cannot demote one another.
func (r Role) CanManage(target Role) bool {
	return r > target
}

func (r Role) IsPrivileged() bool {
	return r >= RoleAdmin
}

// Membership states. Only active memberships (muted included for reads) may
// interact with a conversation; revoked rows are kept for audit.
const (
	MemberStateInvited = "invited"
	MemberStateActive  = "active"
	MemberStateRevoked = "revoked"
)

type Member struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Role           Role       `json:"role"`
	State          string     `json:"state"`
	IsMuted        bool       `json:"is_muted"`
	JoinedAt       time.Time  `json:"joined_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// CanSend reports whether this membership permits appending messages.
func (m *Member) CanSend() bool {
	return m.State == MemberStateActive && !m.IsMuted
}

// CanRead reports whether this membership permits reading history and
// subscribing to live fanout.
func (m *Member) CanRead() bool {
	return m.State == MemberStateActive
}
