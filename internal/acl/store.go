package acl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by deletes that matched no row.
var ErrNotFound = errors.New("acl: no matching entry")

// ProbeInterval is how often Supervise checks the database connection.
const ProbeInterval = 29 * time.Second

// Store is the persisted ACL relation. Values arrive already lower-cased.
type Store interface {
	HasGrant(ctx context.Context, command, who string) (bool, error)
	HasGroupGrant(ctx context.Context, command, who string) (bool, error)
	InGroup(ctx context.Context, who, group string) (bool, error)
	IsGroup(ctx context.Context, group string) (bool, error)
	List(ctx context.Context, who string) ([]string, error)

	AddGrant(ctx context.Context, command, who string) error
	DeleteGrant(ctx context.Context, command, who string) error
	AddMember(ctx context.Context, who, group string) error
	DeleteMember(ctx context.Context, who, group string) error
	Forget(ctx context.Context, nick string) error
	Rename(ctx context.Context, nick, identity string) error
}

const schema = `
CREATE TABLE IF NOT EXISTS acls (
	command VARCHAR(128) NOT NULL,
	who VARCHAR(255) NOT NULL,
	PRIMARY KEY (command, who)
);
CREATE TABLE IF NOT EXISTS acl_groups (
	who VARCHAR(255) NOT NULL,
	group_name VARCHAR(128) NOT NULL,
	PRIMARY KEY (who, group_name)
);
`

// SQLStore keeps the ACL tables in MySQL or SQLite.
type SQLStore struct {
	driver string
	dsn    string
	log    *zap.Logger

	mu sync.RWMutex
	db *sql.DB
}

// Open connects to the database and creates the tables if needed.
// driver is "mysql" or "sqlite".
func Open(ctx context.Context, driver, dsn string, log *zap.Logger) (*SQLStore, error) {
	s := &SQLStore{
		driver: driver,
		dsn:    dsn,
		log:    log.Named("aclstore"),
	}

	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(s.driver, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if s.driver == "sqlite" {
		// one writer at a time, and ":memory:" stays a single database
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Close closes the database pool.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Probe runs a trivial query and reopens the pool if it fails.
func (s *SQLStore) Probe(ctx context.Context) error {
	_, err := s.handle(ctx)
	return err
}

// handle returns a live pool, reconnecting first if the current one fails
// its liveness query.
func (s *SQLStore) handle(ctx context.Context) (*sql.DB, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var one int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
	if err == nil {
		return db, nil
	}
	s.log.Warn("database indicated error, reconnecting", zap.Error(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != db {
		// someone else already reconnected
		return s.db, nil
	}
	fresh, oerr := s.open(ctx)
	if oerr != nil {
		return nil, oerr
	}
	db.Close()
	s.db = fresh
	return fresh, nil
}

// Supervise probes the database every ProbeInterval until ctx is done.
func (s *SQLStore) Supervise(ctx context.Context) error {
	ticker := time.NewTicker(ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Probe(ctx); err != nil {
				s.log.Error("database probe failed", zap.Error(err))
			}
		}
	}
}

func (s *SQLStore) count(ctx context.Context, query string, args ...any) (bool, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return false, err
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("acl query failed: %w", err)
	}
	return n >= 1, nil
}

// write runs fn in a single transaction.
func (s *SQLStore) write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.handle(ctx)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// HasGrant reports whether who holds command directly.
func (s *SQLStore) HasGrant(ctx context.Context, command, who string) (bool, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM acls WHERE command=? AND who=?", command, who)
}

// HasGroupGrant reports whether a group who belongs to holds command.
func (s *SQLStore) HasGroupGrant(ctx context.Context, command, who string) (bool, error) {
	return s.count(ctx,
		"SELECT COUNT(*) FROM acls, acl_groups WHERE acl_groups.who=? AND acl_groups.group_name=acls.who AND acls.command=?",
		who, command)
}

// InGroup reports whether who is a member of group.
func (s *SQLStore) InGroup(ctx context.Context, who, group string) (bool, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM acl_groups WHERE group_name=? AND who=?", group, who)
}

// IsGroup reports whether group has at least one member.
func (s *SQLStore) IsGroup(ctx context.Context, group string) (bool, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM acl_groups WHERE group_name=?", group)
}

// List returns the commands and groups held by who, sorted and distinct.
func (s *SQLStore) List(ctx context.Context, who string) ([]string, error) {
	db, err := s.handle(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT DISTINCT item FROM (SELECT command AS item FROM acls WHERE who=? UNION SELECT group_name AS item FROM acl_groups WHERE who=?) AS held ORDER BY item",
		who, who)
	if err != nil {
		return nil, fmt.Errorf("acl list failed: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var item string
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("acl list failed: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AddGrant gives command to who.
func (s *SQLStore) AddGrant(ctx context.Context, command, who string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO acls(command, who) VALUES(?, ?)", command, who); err != nil {
			return fmt.Errorf("failed to insert acl: %w", err)
		}
		return nil
	})
}

// DeleteGrant takes command from who. ErrNotFound if who did not hold it.
func (s *SQLStore) DeleteGrant(ctx context.Context, command, who string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM acls WHERE command=? AND who=?", command, who)
		if err != nil {
			return fmt.Errorf("failed to delete acl: %w", err)
		}
		return requireAffected(res)
	})
}

// AddMember puts who in group.
func (s *SQLStore) AddMember(ctx context.Context, who, group string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO acl_groups(who, group_name) VALUES(?, ?)", who, group); err != nil {
			return fmt.Errorf("failed to insert group member: %w", err)
		}
		return nil
	})
}

// DeleteMember takes who out of group. ErrNotFound if who was not a member.
func (s *SQLStore) DeleteMember(ctx context.Context, who, group string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM acl_groups WHERE who=? AND group_name=?", who, group)
		if err != nil {
			return fmt.Errorf("failed to delete group member: %w", err)
		}
		return requireAffected(res)
	})
}

// Forget deletes every grant and membership of identities starting with
// "nick!".
func (s *SQLStore) Forget(ctx context.Context, nick string) error {
	pattern := nickPattern(nick)
	return s.write(ctx, func(tx *sql.Tx) error {
		var total int64
		for _, q := range []string{
			"DELETE FROM acls WHERE who LIKE ? ESCAPE '|'",
			"DELETE FROM acl_groups WHERE who LIKE ? ESCAPE '|'",
		} {
			res, err := tx.ExecContext(ctx, q, pattern)
			if err != nil {
				return fmt.Errorf("failed to forget acls for %s: %w", nick, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if total == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Rename points every grant and membership of identities starting with
// "nick!" at identity. Entries held under several of those identities end
// up once under identity.
func (s *SQLStore) Rename(ctx context.Context, nick, identity string) error {
	pattern := nickPattern(nick)
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			"INSERT INTO acls(command, who) SELECT DISTINCT command, ? FROM acls WHERE who LIKE ? ESCAPE '|' AND command NOT IN (SELECT command FROM acls WHERE who=?)",
			"INSERT INTO acl_groups(who, group_name) SELECT DISTINCT ?, group_name FROM acl_groups WHERE who LIKE ? ESCAPE '|' AND group_name NOT IN (SELECT group_name FROM acl_groups WHERE who=?)",
		} {
			if _, err := tx.ExecContext(ctx, q, identity, pattern, identity); err != nil {
				return fmt.Errorf("failed to update acls: %w", err)
			}
		}
		for _, q := range []string{
			"DELETE FROM acls WHERE who LIKE ? ESCAPE '|' AND who<>?",
			"DELETE FROM acl_groups WHERE who LIKE ? ESCAPE '|' AND who<>?",
		} {
			if _, err := tx.ExecContext(ctx, q, pattern, identity); err != nil {
				return fmt.Errorf("failed to update acls: %w", err)
			}
		}
		return nil
	})
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// nickPattern builds a LIKE pattern matching "nick!<anything>". '|' is the
// escape character; '\' means different things to MySQL and SQLite.
func nickPattern(nick string) string {
	r := strings.NewReplacer("|", "||", "%", "|%", "_", "|_")
	return r.Replace(nick) + "!%"
}
