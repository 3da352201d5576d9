package models

import (
	"time"

	"github.com/google/uuid"
)

// UserRole represents user role type
type UserRole string

const (
	RoleRider  UserRole = "rider"
	RoleDriver UserRole = "driver"
)

// User is the identity/profile projection the dispatch engine needs from
// the external UserStore collaborator: just enough to notify someone and
// to label a response. Authentication and profile management live outside
// this module.
type User struct {
	ID          uuid.UUID `json:"id"`
	Role        UserRole  `json:"role"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	PushToken   string    `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}
