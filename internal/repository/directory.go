package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xscopehub/grantflow/internal/workflow"
)

var (
	ErrEntityNotFound = errors.New("entity does not exist")
	ErrUserNotFound   = errors.New("user does not exist")
)

// Directory resolves EntityRefs and acting users against the surrounding
// domain store. The engine never holds anything but the reference.
type Directory interface {
	EntityExists(ctx context.Context, ref workflow.EntityRef) (bool, error)
	UserExists(ctx context.Context, id uuid.UUID) (bool, error)
}

// DirectoryQueries holds one existence query per entity type plus the user
// query. Each query takes the id as $1 and returns a single row when found.
type DirectoryQueries struct {
	Entities map[workflow.EntityType]string
	User     string
}

func DefaultDirectoryQueries() DirectoryQueries {
	return DirectoryQueries{
		Entities: map[workflow.EntityType]string{
			workflow.EntityOpportunity: "SELECT 1 FROM opportunity WHERE opportunity_id = $1",
			workflow.EntityApplication: "SELECT 1 FROM application WHERE application_id = $1",
		},
		User: "SELECT 1 FROM user_account WHERE user_id = $1",
	}
}

type PostgresDirectory struct {
	pool    *pgxpool.Pool
	queries DirectoryQueries
}

func NewPostgresDirectory(pool *pgxpool.Pool, q DirectoryQueries) *PostgresDirectory {
	def := DefaultDirectoryQueries()
	if strings.TrimSpace(q.User) == "" {
		q.User = def.User
	}
	merged := make(map[workflow.EntityType]string, len(def.Entities))
	for typ, query := range def.Entities {
		merged[typ] = query
	}
	for typ, query := range q.Entities {
		if strings.TrimSpace(query) != "" {
			merged[typ] = query
		}
	}
	q.Entities = merged
	return &PostgresDirectory{pool: pool, queries: q}
}

func (d *PostgresDirectory) EntityExists(ctx context.Context, ref workflow.EntityRef) (bool, error) {
	query, ok := d.queries.Entities[ref.Type]
	if !ok {
		return false, fmt.Errorf("no lookup configured for entity type %q", ref.Type)
	}
	return d.exists(ctx, query, ref.ID)
}

func (d *PostgresDirectory) UserExists(ctx context.Context, id uuid.UUID) (bool, error) {
	return d.exists(ctx, d.queries.User, id)
}

func (d *PostgresDirectory) exists(ctx context.Context, query string, id uuid.UUID) (bool, error) {
	var one int
	if err := d.pool.QueryRow(ctx, query, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// StaticDirectory answers from in-memory sets. With Permissive set every
// lookup succeeds, which is what one-shot runs without a domain database use.
type StaticDirectory struct {
	Permissive bool

	mu       sync.RWMutex
	entities map[workflow.EntityRef]struct{}
	users    map[uuid.UUID]struct{}
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		entities: map[workflow.EntityRef]struct{}{},
		users:    map[uuid.UUID]struct{}{},
	}
}

func (d *StaticDirectory) AddEntity(refs ...workflow.EntityRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ref := range refs {
		d.entities[ref] = struct{}{}
	}
}

func (d *StaticDirectory) AddUser(ids ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.users[id] = struct{}{}
	}
}

func (d *StaticDirectory) EntityExists(_ context.Context, ref workflow.EntityRef) (bool, error) {
	if d.Permissive {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entities[ref]
	return ok, nil
}

func (d *StaticDirectory) UserExists(_ context.Context, id uuid.UUID) (bool, error) {
	if d.Permissive {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[id]
	return ok, nil
}
