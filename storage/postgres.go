package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"boardsync/domain"
	"boardsync/rank"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// OpenPostgres opens a pooled connection through the pgx stdlib driver and
// verifies it with a ping.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each inside its own transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		version := strings.TrimPrefix(file, "migrations/")
		var exists bool
		if err := db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if exists {
			continue
		}

		contents, err := migrations.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}
	}
	return nil
}

// PostgresStore keeps boards in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "23505":
			return fmt.Errorf("%w: %s", domain.ErrConcurrencyConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pgErr.ConstraintName)
		}
	}
	return err
}

// expectOne turns a conditional write that matched nothing into either
// not-found or a version conflict.
func (s *PostgresStore) expectOne(ctx context.Context, res sql.Result, table, boardID, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+table+` WHERE board_id = $1 AND id = $2)`, boardID, id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return domain.ErrConcurrencyConflict
	}
	return domain.ErrNotFound
}

func (s *PostgresStore) requireBoard(ctx context.Context, boardID string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM boards WHERE id = $1)`, boardID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateBoard(ctx context.Context, b domain.Board) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO boards (id, workspace_id, name, version, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		b.ID, b.WorkspaceID, b.Name, b.Version, b.UpdatedAt)
	return mapPgErr(err)
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, version, updated_at FROM boards WHERE id = $1`, boardID,
	).Scan(&b.ID, &b.WorkspaceID, &b.Name, &b.Version, &b.UpdatedAt)
	if err != nil {
		return domain.Board{}, mapPgErr(err)
	}
	return b, nil
}

const listColumns = `id, board_id, title, rank, archived, version, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanList(row scanner) (domain.List, error) {
	var (
		l domain.List
		r string
	)
	if err := row.Scan(&l.ID, &l.BoardID, &l.Title, &r, &l.Archived, &l.Version, &l.UpdatedAt); err != nil {
		return domain.List{}, err
	}
	l.Rank = rank.Rank(r)
	return l, nil
}

func (s *PostgresStore) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	if err := s.requireBoard(ctx, boardID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listColumns+` FROM lists WHERE board_id = $1 ORDER BY id`, boardID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := []domain.List{}
	for rows.Next() {
		l, err := scanList(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetList(ctx context.Context, boardID, listID string) (domain.List, error) {
	l, err := scanList(s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM lists WHERE board_id = $1 AND id = $2`, boardID, listID))
	if err != nil {
		return domain.List{}, mapPgErr(err)
	}
	return l, nil
}

func (s *PostgresStore) InsertList(ctx context.Context, l domain.List) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lists (`+listColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.BoardID, l.Title, string(l.Rank), l.Archived, l.Version, l.UpdatedAt)
	return mapPgErr(err)
}

func (s *PostgresStore) UpdateList(ctx context.Context, l domain.List, expected int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lists SET title = $3, rank = $4, archived = $5, version = $6, updated_at = $7
		WHERE board_id = $1 AND id = $2 AND version = $8`,
		l.BoardID, l.ID, l.Title, string(l.Rank), l.Archived, l.Version, l.UpdatedAt, expected)
	if err != nil {
		return mapPgErr(err)
	}
	return s.expectOne(ctx, res, "lists", l.BoardID, l.ID)
}

const cardColumns = `id, board_id, list_id, title, description, rank, due_at, labels, assignees, archived, version, updated_at`

func scanCard(row scanner) (domain.Card, error) {
	var (
		c                 domain.Card
		r                 string
		due               sql.NullTime
		labels, assignees []byte
	)
	if err := row.Scan(&c.ID, &c.BoardID, &c.ListID, &c.Title, &c.Description, &r, &due,
		&labels, &assignees, &c.Archived, &c.Version, &c.UpdatedAt); err != nil {
		return domain.Card{}, err
	}
	c.Rank = rank.Rank(r)
	if due.Valid {
		t := due.Time
		c.DueAt = &t
	}
	var ids []string
	if err := sonic.Unmarshal(labels, &ids); err != nil {
		return domain.Card{}, fmt.Errorf("card %s labels: %w", c.ID, err)
	}
	c.Labels = domain.NewIDSet(ids...)
	ids = nil
	if err := sonic.Unmarshal(assignees, &ids); err != nil {
		return domain.Card{}, fmt.Errorf("card %s assignees: %w", c.ID, err)
	}
	c.Assignees = domain.NewIDSet(ids...)
	return c, nil
}

func cardArgs(c domain.Card) ([]any, error) {
	labels, err := sonic.Marshal(domain.NewIDSet(c.Labels...))
	if err != nil {
		return nil, err
	}
	assignees, err := sonic.Marshal(domain.NewIDSet(c.Assignees...))
	if err != nil {
		return nil, err
	}
	var due any
	if c.DueAt != nil {
		due = *c.DueAt
	}
	return []any{c.ID, c.BoardID, c.ListID, c.Title, c.Description, string(c.Rank), due,
		string(labels), string(assignees), c.Archived, c.Version, c.UpdatedAt}, nil
}

func (s *PostgresStore) Cards(ctx context.Context, boardID string) ([]domain.Card, error) {
	if err := s.requireBoard(ctx, boardID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE board_id = $1 ORDER BY id`, boardID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := []domain.Card{}
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetCard(ctx context.Context, boardID, cardID string) (domain.Card, error) {
	c, err := scanCard(s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE board_id = $1 AND id = $2`, boardID, cardID))
	if err != nil {
		return domain.Card{}, mapPgErr(err)
	}
	return c, nil
}

func (s *PostgresStore) InsertCard(ctx context.Context, c domain.Card) error {
	args, err := cardArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9::jsonb, $10, $11, $12)`, args...)
	return mapPgErr(err)
}

func (s *PostgresStore) UpdateCard(ctx context.Context, c domain.Card, expected int64) error {
	args, err := cardArgs(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cards SET list_id = $3, title = $4, description = $5, rank = $6, due_at = $7,
			labels = $8::jsonb, assignees = $9::jsonb, archived = $10, version = $11, updated_at = $12
		WHERE id = $1 AND board_id = $2 AND version = $13`, append(args, expected)...)
	if err != nil {
		return mapPgErr(err)
	}
	return s.expectOne(ctx, res, "cards", c.BoardID, c.ID)
}

func (s *PostgresStore) DeleteCard(ctx context.Context, boardID, cardID string, expected int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cards WHERE board_id = $1 AND id = $2 AND version = $3`, boardID, cardID, expected)
	if err != nil {
		return mapPgErr(err)
	}
	return s.expectOne(ctx, res, "cards", boardID, cardID)
}

func (s *PostgresStore) Members(ctx context.Context, boardID string) ([]string, error) {
	if err := s.requireBoard(ctx, boardID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM board_members WHERE board_id = $1 ORDER BY user_id`, boardID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, boardID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO board_members (board_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, boardID, userID)
	return mapPgErr(err)
}

func (s *PostgresStore) RemoveMember(ctx context.Context, boardID, userID string) error {
	if err := s.requireBoard(ctx, boardID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM board_members WHERE board_id = $1 AND user_id = $2`, boardID, userID)
	return mapPgErr(err)
}
