package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a registered chat participant. Name is the identity used in conversations.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	MobileNo     string     `json:"mobileNo,omitempty"`
	PasswordHash string     `json:"-"`
	IsOnline     bool       `json:"isOnline"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// PresenceStatus is one row of the presence snapshot sent to clients.
type PresenceStatus struct {
	Username string     `json:"username"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}
