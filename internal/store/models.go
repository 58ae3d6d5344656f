package store

import "time"

// User is the profile row upserted on first OAuth sign-in. The ID is
// the identity provider's subject and never changes.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  *string   `json:"fullName,omitempty"`
	AvatarURL *string   `json:"avatarUrl,omitempty"`
	Bio       *string   `json:"bio,omitempty"`
	Theme     *string   `json:"theme,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Bookmark belongs to exactly one user. Category is a free-text label;
// grouping by it happens at read time. Tags is nil when absent - an
// empty slice is never persisted.
type Bookmark struct {
	ID          string
	UserID      string
	Title       string
	URL         string
	Description *string
	Notes       *string
	Category    *string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Category is an owner-scoped named label. Bookmarks reference
// categories by name string, not by foreign key.
type Category struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Color     *string   `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
