package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"boardsync/domain"
	"boardsync/rank"
)

const edmInt64 = "Edm.Int64"

// TableNames names the four tables a TableStore uses.
type TableNames struct {
	Boards  string
	Lists   string
	Cards   string
	Members string
}

// All lists the configured names, skipping empty ones.
func (n TableNames) All() []string {
	var out []string
	for _, name := range []string{n.Boards, n.Lists, n.Cards, n.Members} {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// TableStore keeps boards in Azure Table storage. Each table is partitioned
// by board id so every read of a board is a single-partition query.
type TableStore struct {
	boards  *aztables.Client
	lists   *aztables.Client
	cards   *aztables.Client
	members *aztables.Client
}

var _ Store = (*TableStore)(nil)

func tableClientOptions() *aztables.ClientOptions {
	return &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// NewTableStore creates a TableStore from a storage connection string.
func NewTableStore(connStr string, names TableNames) (*TableStore, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, tableClientOptions())
	if err != nil {
		return nil, err
	}
	return &TableStore{
		boards:  svc.NewClient(names.Boards),
		lists:   svc.NewClient(names.Lists),
		cards:   svc.NewClient(names.Cards),
		members: svc.NewClient(names.Members),
	}, nil
}

// CreateTables creates the named tables, ignoring ones that already exist.
func CreateTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

// CreateQueues creates the named queues, ignoring ones that already exist.
func CreateQueues(ctx context.Context, connStr string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
				return err
			}
		}
	}
	return nil
}

type tableKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type boardEntity struct {
	tableKeys
	WorkspaceID string    `json:"WorkspaceID"`
	Name        string    `json:"Name"`
	Version     int64     `json:"Version"`
	VersionType string    `json:"Version@odata.type"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

type listEntity struct {
	tableKeys
	Title       string    `json:"Title"`
	Rank        string    `json:"Rank"`
	Archived    bool      `json:"Archived"`
	Version     int64     `json:"Version"`
	VersionType string    `json:"Version@odata.type"`
	UpdatedAt   time.Time `json:"UpdatedAt"`
}

type cardEntity struct {
	tableKeys
	ListID      string     `json:"ListID"`
	Title       string     `json:"Title"`
	Description string     `json:"Description"`
	Rank        string     `json:"Rank"`
	DueAt       *time.Time `json:"DueAt,omitempty"`
	Labels      string     `json:"Labels"`
	Assignees   string     `json:"Assignees"`
	Archived    bool       `json:"Archived"`
	Version     int64      `json:"Version"`
	VersionType string     `json:"Version@odata.type"`
	UpdatedAt   time.Time  `json:"UpdatedAt"`
}

type memberEntity struct {
	tableKeys
}

func toBoardEntity(b domain.Board) boardEntity {
	return boardEntity{
		tableKeys:   tableKeys{PartitionKey: b.ID, RowKey: b.ID},
		WorkspaceID: b.WorkspaceID,
		Name:        b.Name,
		Version:     b.Version,
		VersionType: edmInt64,
		UpdatedAt:   b.UpdatedAt,
	}
}

func (e boardEntity) board() domain.Board {
	return domain.Board{ID: e.RowKey, WorkspaceID: e.WorkspaceID, Name: e.Name, Version: e.Version, UpdatedAt: e.UpdatedAt}
}

func toListEntity(l domain.List) listEntity {
	return listEntity{
		tableKeys:   tableKeys{PartitionKey: l.BoardID, RowKey: l.ID},
		Title:       l.Title,
		Rank:        string(l.Rank),
		Archived:    l.Archived,
		Version:     l.Version,
		VersionType: edmInt64,
		UpdatedAt:   l.UpdatedAt,
	}
}

func (e listEntity) list() domain.List {
	return domain.List{
		ID:        e.RowKey,
		BoardID:   e.PartitionKey,
		Title:     e.Title,
		Rank:      rank.Rank(e.Rank),
		Archived:  e.Archived,
		Version:   e.Version,
		UpdatedAt: e.UpdatedAt,
	}
}

func toCardEntity(c domain.Card) (cardEntity, error) {
	labels, err := sonic.MarshalString(domain.NewIDSet(c.Labels...))
	if err != nil {
		return cardEntity{}, err
	}
	assignees, err := sonic.MarshalString(domain.NewIDSet(c.Assignees...))
	if err != nil {
		return cardEntity{}, err
	}
	return cardEntity{
		tableKeys:   tableKeys{PartitionKey: c.BoardID, RowKey: c.ID},
		ListID:      c.ListID,
		Title:       c.Title,
		Description: c.Description,
		Rank:        string(c.Rank),
		DueAt:       c.DueAt,
		Labels:      labels,
		Assignees:   assignees,
		Archived:    c.Archived,
		Version:     c.Version,
		VersionType: edmInt64,
		UpdatedAt:   c.UpdatedAt,
	}, nil
}

func (e cardEntity) card() (domain.Card, error) {
	c := domain.Card{
		ID:          e.RowKey,
		BoardID:     e.PartitionKey,
		ListID:      e.ListID,
		Title:       e.Title,
		Description: e.Description,
		Rank:        rank.Rank(e.Rank),
		DueAt:       e.DueAt,
		Archived:    e.Archived,
		Version:     e.Version,
		UpdatedAt:   e.UpdatedAt,
	}
	var labels, assignees []string
	if e.Labels != "" {
		if err := sonic.UnmarshalString(e.Labels, &labels); err != nil {
			return domain.Card{}, err
		}
	}
	if e.Assignees != "" {
		if err := sonic.UnmarshalString(e.Assignees, &assignees); err != nil {
			return domain.Card{}, err
		}
	}
	c.Labels = domain.NewIDSet(labels...)
	c.Assignees = domain.NewIDSet(assignees...)
	return c, nil
}

func partitionFilter(boardID string) *string {
	f := "PartitionKey eq '" + strings.ReplaceAll(boardID, "'", "''") + "'"
	return &f
}

// scan pages through a board's partition of table.
func scan(ctx context.Context, table *aztables.Client, boardID string, fn func([]byte) error) error {
	pager := table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: partitionFilter(boardID)})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return mapAzureErr(err)
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func add(ctx context.Context, table *aztables.Client, ent any) error {
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = table.AddEntity(ctx, payload, nil)
	return mapAzureErr(err)
}

// replaceIf overwrites a row only while it still carries version expected
// and the etag read alongside it.
func replaceIf(ctx context.Context, table *aztables.Client, pk, rk string, expected int64, ent any) error {
	etag, err := versionETag(ctx, table, pk, rk, expected)
	if err != nil {
		return err
	}
	payload, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	return mapAzureErr(err)
}

func versionETag(ctx context.Context, table *aztables.Client, pk, rk string, expected int64) (azcore.ETag, error) {
	resp, err := table.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		return "", mapAzureErr(err)
	}
	var cur struct {
		Version int64 `json:"Version"`
	}
	if err := sonic.Unmarshal(resp.Value, &cur); err != nil {
		return "", err
	}
	if cur.Version != expected {
		return "", domain.ErrConcurrencyConflict
	}
	return resp.ETag, nil
}

func (s *TableStore) CreateBoard(ctx context.Context, b domain.Board) error {
	return add(ctx, s.boards, toBoardEntity(b))
}

func (s *TableStore) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	resp, err := s.boards.GetEntity(ctx, boardID, boardID, nil)
	if err != nil {
		return domain.Board{}, mapAzureErr(err)
	}
	var ent boardEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Board{}, err
	}
	return ent.board(), nil
}

func (s *TableStore) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	out := []domain.List{}
	err := scan(ctx, s.lists, boardID, func(raw []byte) error {
		var ent listEntity
		if err := sonic.Unmarshal(raw, &ent); err != nil {
			return err
		}
		out = append(out, ent.list())
		return nil
	})
	return out, err
}

func (s *TableStore) GetList(ctx context.Context, boardID, listID string) (domain.List, error) {
	resp, err := s.lists.GetEntity(ctx, boardID, listID, nil)
	if err != nil {
		return domain.List{}, mapAzureErr(err)
	}
	var ent listEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.List{}, err
	}
	return ent.list(), nil
}

func (s *TableStore) InsertList(ctx context.Context, l domain.List) error {
	return add(ctx, s.lists, toListEntity(l))
}

func (s *TableStore) UpdateList(ctx context.Context, l domain.List, expected int64) error {
	return replaceIf(ctx, s.lists, l.BoardID, l.ID, expected, toListEntity(l))
}

func (s *TableStore) Cards(ctx context.Context, boardID string) ([]domain.Card, error) {
	out := []domain.Card{}
	err := scan(ctx, s.cards, boardID, func(raw []byte) error {
		var ent cardEntity
		if err := sonic.Unmarshal(raw, &ent); err != nil {
			return err
		}
		c, err := ent.card()
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func (s *TableStore) GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	resp, err := s.cards.GetEntity(ctx, boardID, cardID, nil)
	if err != nil {
		return domain.Card{}, mapAzureErr(err)
	}
	var ent cardEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Card{}, err
	}
	return ent.card()
}

func (s *TableStore) InsertCard(ctx context.Context, c domain.Card) error {
	ent, err := toCardEntity(c)
	if err != nil {
		return err
	}
	return add(ctx, s.cards, ent)
}

func (s *TableStore) UpdateCard(ctx context.Context, c domain.Card, expected int64) error {
	ent, err := toCardEntity(c)
	if err != nil {
		return err
	}
	return replaceIf(ctx, s.cards, c.BoardID, c.ID, expected, ent)
}

func (s *TableStore) DeleteCard(ctx context.Context, boardID, cardID string, expected int64) error {
	etag, err := versionETag(ctx, s.cards, boardID, cardID, expected)
	if err != nil {
		return err
	}
	_, err = s.cards.DeleteEntity(ctx, boardID, cardID, &aztables.DeleteEntityOptions{IfMatch: &etag})
	return mapAzureErr(err)
}

func (s *TableStore) Members(ctx context.Context, boardID string) ([]string, error) {
	out := []string{}
	err := scan(ctx, s.members, boardID, func(raw []byte) error {
		var ent memberEntity
		if err := sonic.Unmarshal(raw, &ent); err != nil {
			return err
		}
		out = append(out, ent.RowKey)
		return nil
	})
	return domain.NewIDSet(out...), err
}

func (s *TableStore) AddMember(ctx context.Context, boardID, userID string) error {
	payload, err := sonic.Marshal(memberEntity{tableKeys{PartitionKey: boardID, RowKey: userID}})
	if err != nil {
		return err
	}
	_, err = s.members.UpsertEntity(ctx, payload, nil)
	return mapAzureErr(err)
}

func (s *TableStore) RemoveMember(ctx context.Context, boardID, userID string) error {
	_, err := s.members.DeleteEntity(ctx, boardID, userID, nil)
	if err = mapAzureErr(err); errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
