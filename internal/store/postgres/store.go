// Package postgres keeps sessions in PostgreSQL. Rows are written through
// gorm; the shared meeting aggregates are merged with single jsonb UPDATE
// statements so concurrent voters never overwrite each other. Triggers
// announce every row change on a NOTIFY channel which the feed listens to.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/DoyleJ11/traitors-session/internal/store"
)

const feedChannel = "session_feed"

// versionSeq stamps every session and player write, deletes included, so
// versions from one room are comparable across tables and across a player
// leaving and rejoining under the same name.
const versionSeq = "change_versions"

var triggerSQL = []string{
	`CREATE OR REPLACE FUNCTION session_feed_notify() RETURNS trigger AS $$
BEGIN
	IF TG_TABLE_NAME = 'sessions' THEN
		PERFORM pg_notify('session_feed', json_build_object('kind', 'session', 'session_id', NEW.id)::text);
		RETURN NEW;
	END IF;
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('session_feed', json_build_object(
			'kind', 'player_delete',
			'session_id', OLD.session_id,
			'name', OLD.name,
			'version', nextval('change_versions'))::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('session_feed', json_build_object(
		'kind', CASE TG_OP WHEN 'INSERT' THEN 'player_insert' ELSE 'player_update' END,
		'session_id', NEW.session_id,
		'name', NEW.name)::text);
	RETURN NEW;
END
$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS sessions_feed ON sessions`,
	`CREATE TRIGGER sessions_feed AFTER INSERT OR UPDATE ON sessions
		FOR EACH ROW EXECUTE FUNCTION session_feed_notify()`,
	`DROP TRIGGER IF EXISTS players_feed ON players`,
	`CREATE TRIGGER players_feed AFTER INSERT OR UPDATE OR DELETE ON players
		FOR EACH ROW EXECUTE FUNCTION session_feed_notify()`,
}

// Store implements store.Backend on PostgreSQL.
type Store struct {
	db  *gorm.DB
	dsn string
	log *zap.Logger

	mu       sync.Mutex
	subs     map[store.Handle]*subscription
	listener context.CancelFunc
	done     chan struct{}
	buffer   int
}

var _ store.Backend = (*Store)(nil)

// Open connects, migrates the schema and installs the notify triggers.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database url is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{
		db:     db,
		dsn:    dsn,
		log:    log,
		subs:   make(map[store.Handle]*subscription),
		buffer: 256,
	}
	if err := s.migrate(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("migrate: %w", err), s.Close())
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec("CREATE SEQUENCE IF NOT EXISTS " + versionSeq).Error; err != nil {
		return err
	}
	if err := db.AutoMigrate(&sessionRow{}, &playerRow{}); err != nil {
		return err
	}
	for _, stmt := range triggerSQL {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetFeedBuffer sets the per-subscriber queue length for later subscriptions.
func (s *Store) SetFeedBuffer(n int) {
	if n > 0 {
		s.mu.Lock()
		s.buffer = n
		s.mu.Unlock()
	}
}

// Close stops the feed listener and closes the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	stop, done := s.listener, s.done
	s.listener = nil
	for h, sub := range s.subs {
		sub.stop()
		delete(s.subs, h)
	}
	s.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// classify maps driver errors onto the store's error vocabulary.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return store.Transient(op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return store.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
