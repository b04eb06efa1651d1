package types

import "time"

// Entity carries the creation and modification timestamps of a record.
type Entity struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewEntity creates a new Entity with current UTC timestamps.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch updates the UpdatedAt timestamp to now.
func (e *Entity) Touch() {
	e.UpdatedAt = time.Now().UTC()
}

// IsStale returns true if the entity hasn't been updated within d.
func (e Entity) IsStale(d time.Duration) bool {
	return time.Since(e.UpdatedAt) > d
}
