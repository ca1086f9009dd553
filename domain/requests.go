package domain

// NewList asks the server to append a list to a board. ID is chosen by the
// caller so that an optimistic insert and its confirmation share one key.
type NewList struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// NewCard asks the server to append a card to the tail of a list.
type NewCard struct {
	ID          string `json:"id"`
	ListID      string `json:"listId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// MoveRequest places CardID in ToListID between two neighbors. Neighbors are
// identifiers, never ranks: the server computes the stored rank. BeforeID is
// the sibling that ends up directly above the card and AfterID the one
// directly below; either may be empty.
type MoveRequest struct {
	CardID   string `json:"cardId"`
	ToListID string `json:"toListId"`
	BeforeID string `json:"beforeId,omitempty"`
	AfterID  string `json:"afterId,omitempty"`
}

// LabelsRequest replaces a card's label set.
type LabelsRequest struct {
	LabelIDs IDSet `json:"labelIds"`
}

// Removal is the server's answer to a delete: the tombstone version.
type Removal struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
}
