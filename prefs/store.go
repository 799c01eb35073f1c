package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/goliatone/go-swr-cache/cache"
	"github.com/goliatone/go-swr-cache/clock"
)

// Tag labels every cached preference read.
const Tag = "prefs"

// ErrNotFound is returned when no preference matches.
var ErrNotFound = errors.New("prefs: not found")

// ErrInvalidKey is returned when the user or name is empty.
var ErrInvalidKey = errors.New("prefs: user and name are required")

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTTL sets how long reads stay fresh in the cache.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// Store reads and writes preferences through the cache.
type Store struct {
	repo   repository.Repository[*Preference]
	cache  *cache.Store
	keys   cache.KeySerializer
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
	db     *bun.DB
}

// NewRepository returns the go-repository-bun repository for preferences.
func NewRepository(db *bun.DB) repository.Repository[*Preference] {
	handlers := repository.ModelHandlers[*Preference]{
		NewRecord: func() *Preference {
			return &Preference{}
		},
		GetID: func(p *Preference) uuid.UUID {
			return p.ID
		},
		SetID: func(p *Preference, id uuid.UUID) {
			p.ID = id
		},
		GetIdentifier: func() string {
			return "name"
		},
	}
	return repository.NewRepository[*Preference](db, handlers)
}

// New creates a Store over repo. Reads are cached in store.
func New(repo repository.Repository[*Preference], store *cache.Store, opts ...Option) *Store {
	s := &Store{
		repo:   repo,
		cache:  store,
		keys:   cache.NewDefaultKeySerializer(),
		clock:  store.Clock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the configured database, creates the preferences table
// when missing, and returns a Store caching reads in store.
func Open(ctx context.Context, cfg Config, store *cache.Store, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sqldb, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("prefs: open %s: %w", cfg.Driver, err)
	}

	var db *bun.DB
	switch cfg.Driver {
	case DriverPostgres:
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		// sqlite serializes writers; one connection avoids SQLITE_BUSY.
		sqldb.SetMaxOpenConns(1)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prefs: ping %s: %w", cfg.Driver, err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := New(NewRepository(db), store, append([]Option{WithTTL(cfg.TTL)}, opts...)...)
	s.db = db
	return s, nil
}

func migrate(ctx context.Context, db *bun.DB) error {
	if _, err := db.NewCreateTable().
		Model((*Preference)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("prefs: create table: %w", err)
	}
	if _, err := db.NewCreateIndex().
		Model((*Preference)(nil)).
		Index("preferences_user_name_idx").
		Unique().
		IfNotExists().
		Column("user_id", "name").
		Exec(ctx); err != nil {
		return fmt.Errorf("prefs: create index: %w", err)
	}
	return nil
}

// Get returns the preference name for user.
func (s *Store) Get(ctx context.Context, user, name string) (*Preference, error) {
	if user == "" || name == "" {
		return nil, ErrInvalidKey
	}
	key := s.keys.SerializeKey("prefs.Get", user, name)
	return cache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) (*Preference, error) {
		return s.find(ctx, user, name)
	}, s.setOptions())
}

// List returns every preference of user ordered by name.
func (s *Store) List(ctx context.Context, user string) ([]*Preference, error) {
	if user == "" {
		return nil, ErrInvalidKey
	}
	key := s.keys.SerializeKey("prefs.List", user)
	return cache.GetOrFetch(ctx, s.cache, key, func(ctx context.Context) ([]*Preference, error) {
		records, _, err := s.repo.List(ctx, byUser(user), orderByName())
		if err != nil {
			return nil, fmt.Errorf("prefs: list %s: %w", user, err)
		}
		return records, nil
	}, s.setOptions())
}

// Put stores value as JSON under name for user, replacing any previous
// value.
func (s *Store) Put(ctx context.Context, user, name string, value any) (*Preference, error) {
	if user == "" || name == "" {
		return nil, ErrInvalidKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("prefs: encode %s: %w", name, err)
	}

	now := s.clock.Now().UTC()
	existing, err := s.find(ctx, user, name)
	switch {
	case errors.Is(err, ErrNotFound):
		record := &Preference{
			ID:        uuid.New(),
			UserID:    user,
			Name:      name,
			Value:     string(raw),
			UpdatedAt: now,
		}
		if record, err = s.repo.Create(ctx, record); err != nil {
			return nil, fmt.Errorf("prefs: create %s: %w", name, err)
		}
		s.invalidate(user, name)
		return record, nil
	case err != nil:
		return nil, err
	}

	existing.Value = string(raw)
	existing.UpdatedAt = now
	id := existing.ID
	updated, err := s.repo.Update(ctx, existing, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Where("id = ?", id)
	})
	if err != nil {
		return nil, fmt.Errorf("prefs: update %s: %w", name, err)
	}
	s.invalidate(user, name)
	return updated, nil
}

// Delete removes the preference name for user.
func (s *Store) Delete(ctx context.Context, user, name string) error {
	if user == "" || name == "" {
		return ErrInvalidKey
	}
	existing, err := s.find(ctx, user, name)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, existing); err != nil {
		return fmt.Errorf("prefs: delete %s: %w", name, err)
	}
	s.invalidate(user, name)
	return nil
}

// Close closes the database opened by Open. Stores built with New leave
// the repository's database to the caller.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) find(ctx context.Context, user, name string) (*Preference, error) {
	records, _, err := s.repo.List(ctx, byUser(user), byName(name))
	if err != nil {
		return nil, fmt.Errorf("prefs: get %s: %w", name, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *Store) setOptions() cache.SetOptions {
	return cache.SetOptions{
		TTL:      s.ttl,
		Tags:     []string{Tag},
		Priority: cache.PriorityLow,
	}
}

func (s *Store) invalidate(user, name string) {
	n := s.cache.InvalidateByTag(Tag)
	s.logger.Debug("prefs invalidated", "user", user, "name", name, "entries", n)
}

func byUser(user string) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", user)
	}
}

func byName(name string) repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("name = ?", name)
	}
}

func orderByName() repository.SelectCriteria {
	return func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Order("name ASC")
	}
}
