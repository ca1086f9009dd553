package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"boardsync/domain"
	"boardsync/rank"
)

// cardRow is a card as the API may send it. Older endpoints embed label and
// assignee associations in different shapes; all of them collapse into the
// two IDSet fields of domain.Card here.
type cardRow struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"boardId"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Rank        rank.Rank  `json:"rank"`
	DueAt       *time.Time `json:"dueAt"`
	Archived    bool       `json:"archived"`
	Version     int64      `json:"version"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	LabelIDs    []string          `json:"labelIds"`
	Labels      []json.RawMessage `json:"labels"`
	CardLabels  []json.RawMessage `json:"cardLabels"`
	AssigneeIDs []string          `json:"assigneeIds"`
	Assignees   []json.RawMessage `json:"assignees"`
}

type boardRead struct {
	Board   domain.Board  `json:"board"`
	Lists   []domain.List `json:"lists"`
	Cards   []cardRow     `json:"cards"`
	Members []string      `json:"members"`
}

type listRead struct {
	List  domain.List `json:"list"`
	Cards []cardRow   `json:"cards"`
}

// DecodeCard parses and normalizes one card row.
func DecodeCard(data []byte) (domain.Card, error) {
	var row cardRow
	if err := sonic.Unmarshal(data, &row); err != nil {
		return domain.Card{}, fmt.Errorf("decode card: %w", err)
	}
	return row.normalize()
}

// DecodeList parses one list row.
func DecodeList(data []byte) (domain.List, error) {
	var l domain.List
	if err := sonic.Unmarshal(data, &l); err != nil {
		return domain.List{}, fmt.Errorf("decode list: %w", err)
	}
	return l, nil
}

// DecodeBoard parses one board row.
func DecodeBoard(data []byte) (domain.Board, error) {
	var b domain.Board
	if err := sonic.Unmarshal(data, &b); err != nil {
		return domain.Board{}, fmt.Errorf("decode board: %w", err)
	}
	return b, nil
}

func (r cardRow) normalize() (domain.Card, error) {
	labels := append([]string(nil), r.LabelIDs...)
	for _, raw := range r.Labels {
		id, err := refID(raw, "id", "labelId")
		if err != nil {
			return domain.Card{}, fmt.Errorf("card %s labels: %w", r.ID, err)
		}
		labels = append(labels, id)
	}
	for _, raw := range r.CardLabels {
		id, err := refID(raw, "labelId", "id")
		if err != nil {
			return domain.Card{}, fmt.Errorf("card %s cardLabels: %w", r.ID, err)
		}
		labels = append(labels, id)
	}
	assignees := append([]string(nil), r.AssigneeIDs...)
	for _, raw := range r.Assignees {
		id, err := refID(raw, "id", "userId")
		if err != nil {
			return domain.Card{}, fmt.Errorf("card %s assignees: %w", r.ID, err)
		}
		assignees = append(assignees, id)
	}
	return domain.Card{
		ID:          r.ID,
		BoardID:     r.BoardID,
		ListID:      r.ListID,
		Title:       r.Title,
		Description: r.Description,
		Rank:        r.Rank,
		DueAt:       r.DueAt,
		Labels:      domain.NewIDSet(labels...),
		Assignees:   domain.NewIDSet(assignees...),
		Archived:    r.Archived,
		Version:     r.Version,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// refID reads an association that is either a bare id string or an object
// carrying the id under one of keys.
func refID(raw json.RawMessage, keys ...string) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var id string
		if err := sonic.Unmarshal(raw, &id); err != nil {
			return "", err
		}
		return id, nil
	}
	var obj map[string]any
	if err := sonic.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	for _, k := range keys {
		if id, ok := obj[k].(string); ok && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("association without id: %s", raw)
}

func normalizeCards(rows []cardRow) ([]domain.Card, error) {
	out := make([]domain.Card, 0, len(rows))
	for _, row := range rows {
		c, err := row.normalize()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
