package domain

import (
	"time"

	"boardsync/rank"
)

// Board is the root of a list/card tree.
type Board struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// List is an ordered column of a board.
type List struct {
	ID        string    `json:"id"`
	BoardID   string    `json:"boardId"`
	Title     string    `json:"title"`
	Rank      rank.Rank `json:"rank"`
	Archived  bool      `json:"archived,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Card is an ordered item inside a list. ListID changes when the card moves.
type Card struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Rank        rank.Rank  `json:"rank"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	Labels      IDSet      `json:"labelIds"`
	Assignees   IDSet      `json:"assigneeIds"`
	Archived    bool       `json:"archived,omitempty"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable memory with c.
func (c Card) Clone() Card {
	out := c
	out.Labels = c.Labels.Clone()
	out.Assignees = c.Assignees.Clone()
	if c.DueAt != nil {
		due := *c.DueAt
		out.DueAt = &due
	}
	return out
}

// BoardSnapshot is everything needed to render one board from cold.
type BoardSnapshot struct {
	Board   Board    `json:"board"`
	Lists   []List   `json:"lists"`
	Cards   []Card   `json:"cards"`
	Members []string `json:"members"`
}

// CardPatch carries the editable attributes of a card. Nil fields are left
// untouched.
type CardPatch struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	DueAt       *time.Time `json:"dueAt,omitempty"`
	ClearDue    bool       `json:"clearDue,omitempty"`
	Assignees   *IDSet     `json:"assigneeIds,omitempty"`
	Archived    *bool      `json:"archived,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CardPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueAt == nil && !p.ClearDue && p.Assignees == nil && p.Archived == nil
}

// ApplyTo writes the patch into c.
func (p CardPatch) ApplyTo(c *Card) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.ClearDue {
		c.DueAt = nil
	} else if p.DueAt != nil {
		due := *p.DueAt
		c.DueAt = &due
	}
	if p.Assignees != nil {
		c.Assignees = p.Assignees.Clone()
	}
	if p.Archived != nil {
		c.Archived = *p.Archived
	}
}

// ListPatch carries the editable attributes of a list.
type ListPatch struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ListPatch) Empty() bool { return p.Title == nil && p.Archived == nil }

// ApplyTo writes the patch into l.
func (p ListPatch) ApplyTo(l *List) {
	if p.Title != nil {
		l.Title = *p.Title
	}
	if p.Archived != nil {
		l.Archived = *p.Archived
	}
}
