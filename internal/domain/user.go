// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"
)

const (
	MaxNameLen  = 64
	MaxColorLen = 32
)

var (
	ErrNameTooLong  = errors.New("name too long")
	ErrColorTooLong = errors.New("color too long")
)

// Cursor is a selection in the shared document, in visible rune offsets.
type Cursor struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Presence is the ephemeral state one connection publishes to its room.
type Presence struct {
	ConnID    ConnID    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Cursor    Cursor    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Presence) Validate() error {
	if len(p.Name) > MaxNameLen {
		return ErrNameTooLong
	}
	if len(p.Color) > MaxColorLen {
		return ErrColorTooLong
	}
	return nil
}

// SameState reports whether two entries carry the same user-visible fields.
func (p Presence) SameState(o Presence) bool {
	return p.Name == o.Name && p.Color == o.Color && p.Cursor == o.Cursor
}
