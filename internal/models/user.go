package models

import "time"

// User is the authentication identity. Economy state lives on Account.
type User struct {
	ID        string     `json:"id" example:"9f1c8e2a-5b77-4a2e-8f7d-2f1a6c3d9b10"` // User ID
	Username  string     `json:"username" example:"trollking99"`                    // Display handle
	Email     string     `json:"email" example:"user@example.com"`                  // User email
	Role      string     `json:"role" example:"user"`                               // user / moderator / admin
	IsGuest   bool       `json:"is_guest"`                                          // Guests cannot send gifts
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
