package models

import "time"

// Role is the access level attached to a user account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the durable account record, keyed by username in the KV.
//
// Username is the identity: user records are never destroyed by the reaper,
// only their derived state (sessions, connections).
type User struct {
	Username     string    `json:"username"`
	Contact      string    `json:"contact"`
	PasswordHash string    `json:"password_hash"`
	Role         Role      `json:"role"`
	LastLogin    time.Time `json:"last_login"`
	CreatedAt    time.Time `json:"created_at"`
}

// PublicUser strips the password digest for API responses.
type PublicUser struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

func (u *User) ToPublic() PublicUser {
	return PublicUser{Username: u.Username, Role: u.Role}
}
