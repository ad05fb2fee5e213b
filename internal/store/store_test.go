package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	s, err := Open(Options{Path: ":memory:", Name: t.Name()})
	require.NoError(t, err)
	defer s.Close()

	var fk int
	require.NoError(t, s.DB().QueryRow("PRAGMA foreign_keys").Scan(&fk))
	require.Equal(t, 1, fk)
}

func TestUserVersionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Path: ":memory:", Name: t.Name()})
	require.NoError(t, err)
	defer s.Close()

	v, err := s.UserVersion(ctx, s.DB())
	require.NoError(t, err)
	require.Equal(t, int64(0), v)

	err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		return s.SetUserVersion(ctx, tx, 7)
	})
	require.NoError(t, err)

	v, err = s.UserVersion(ctx, s.DB())
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
}

func TestSavepointRollback(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Path: ":memory:", Name: t.Name()})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(ctx, s.DB(), `CREATE TABLE t (id INTEGER PRIMARY KEY)`))

	err = s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := s.Savepoint(ctx, tx, "handle"); err != nil {
			return err
		}
		if err := s.Run(ctx, tx, `INSERT INTO t (id) VALUES (1)`); err != nil {
			return err
		}
		return s.RollbackTo(ctx, tx, "handle")
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestMigrationsApplyOnce(t *testing.T) {
	ctx := context.Background()
	s, err := Open(Options{Path: ":memory:", Name: t.Name()})
	require.NoError(t, err)
	defer s.Close()

	calls := 0
	s.RegisterMigrations("widgets", map[int]Migration{
		1: func(ctx context.Context, db *sql.DB) error {
			calls++
			_, err := db.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY)`)
			return err
		},
	})

	require.NoError(t, s.RunMigrations(ctx))
	require.NoError(t, s.RunMigrations(ctx))
	require.Equal(t, 1, calls)
}
