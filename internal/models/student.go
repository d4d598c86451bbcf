package models

import "time"

// Student mirrors the identity fields owned by the external student
// directory. This core reads it for validation and display only.
type Student struct {
	ID         string    `db:"id" json:"id"`
	FullName   string    `db:"full_name" json:"full_name"`
	NationalID string    `db:"national_id" json:"national_id"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
