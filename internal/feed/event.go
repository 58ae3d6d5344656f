// Package feed is the change-feed for bookmark rows: a Redis pub/sub
// channel per owner carrying insert/update/delete events. Delivery is
// at-least-once and unordered; consumers must merge idempotently.
package feed

import (
	"time"

	"linkstash/api/internal/store"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Bookmark is the wire shape of a bookmark row, shared by the feed,
// the SSE stream, and the JSON API.
type Bookmark struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Description *string   `json:"description,omitempty"`
	Notes       *string   `json:"notes,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Event is one change notification. New is set for inserts and
// updates, Old for deletes.
type Event struct {
	Type EventType `json:"eventType"`
	New  *Bookmark `json:"new,omitempty"`
	Old  *Bookmark `json:"old,omitempty"`
}

// FromStore converts a store row to its wire shape.
func FromStore(item store.Bookmark) Bookmark {
	return Bookmark{
		ID:          item.ID,
		UserID:      item.UserID,
		Title:       item.Title,
		URL:         item.URL,
		Description: item.Description,
		Notes:       item.Notes,
		Category:    item.Category,
		Tags:        item.Tags,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}
}
