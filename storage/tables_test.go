package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/bytedance/sonic"

	"boardsync/domain"
)

func TestCardEntityRoundTrip(t *testing.T) {
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	in := domain.Card{
		ID: "c1", BoardID: "b1", ListID: "l1", Title: "Ship", Description: "soon",
		Rank: "Vk", DueAt: &due, Labels: domain.NewIDSet("red", "blue"), Assignees: domain.NewIDSet("u1"),
		Version: 42, UpdatedAt: due,
	}
	ent, err := toCardEntity(in)
	if err != nil {
		t.Fatalf("to entity: %v", err)
	}
	if ent.PartitionKey != "b1" || ent.RowKey != "c1" {
		t.Fatalf("unexpected keys: %+v", ent.tableKeys)
	}
	if ent.Labels != `["blue","red"]` {
		t.Fatalf("unexpected labels column: %s", ent.Labels)
	}

	raw, err := sonic.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var generic map[string]any
	if err := sonic.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal generic: %v", err)
	}
	if generic["Version@odata.type"] != edmInt64 {
		t.Fatalf("version must be typed as Int64: %v", generic["Version@odata.type"])
	}

	var back cardEntity
	if err := sonic.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := back.card()
	if err != nil {
		t.Fatalf("to card: %v", err)
	}
	if out.ID != in.ID || out.ListID != in.ListID || out.Rank != in.Rank || out.Version != in.Version {
		t.Fatalf("unexpected card: %#v", out)
	}
	if !out.Labels.Equal(in.Labels) || !out.Assignees.Equal(in.Assignees) {
		t.Fatalf("sets lost: %#v", out)
	}
	if out.DueAt == nil || !out.DueAt.Equal(due) {
		t.Fatalf("due lost: %v", out.DueAt)
	}
}

func TestCardEntityEmptySets(t *testing.T) {
	out, err := cardEntity{tableKeys: tableKeys{PartitionKey: "b", RowKey: "c"}}.card()
	if err != nil {
		t.Fatalf("to card: %v", err)
	}
	if out.Labels == nil || len(out.Labels) != 0 {
		t.Fatalf("expected empty label set, got %#v", out.Labels)
	}

	if _, err := (cardEntity{Labels: "not json"}).card(); err == nil {
		t.Fatalf("expected error for corrupt labels column")
	}
}

func TestListEntityRoundTrip(t *testing.T) {
	l := domain.List{ID: "l1", BoardID: "b1", Title: "Todo", Rank: "V", Archived: true, Version: 7}
	got := toListEntity(l).list()
	if got != l {
		t.Fatalf("unexpected list: %#v", got)
	}
}

func TestPartitionFilterEscapesQuotes(t *testing.T) {
	f := partitionFilter("o'brien")
	if *f != "PartitionKey eq 'o''brien'" {
		t.Fatalf("unexpected filter: %s", *f)
	}
}

func TestMapAzureErr(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{404, domain.ErrNotFound},
		{409, domain.ErrConcurrencyConflict},
		{412, domain.ErrConcurrencyConflict},
	}
	for _, tc := range cases {
		err := mapAzureErr(fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: tc.status, ErrorCode: "X"}))
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
	}
	other := &azcore.ResponseError{StatusCode: 500}
	if err := mapAzureErr(other); !errors.Is(err, other) {
		t.Fatalf("unexpected mapping for 500: %v", err)
	}
	if mapAzureErr(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}

func TestTableNamesAll(t *testing.T) {
	names := TableNames{Boards: "boards", Cards: "cards"}.All()
	if len(names) != 2 || names[0] != "boards" || names[1] != "cards" {
		t.Fatalf("unexpected names: %v", names)
	}
}
