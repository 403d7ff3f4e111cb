package sync

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Tree kinds persisted in the store: the last-saved agreed tree, and the
// cached cloud snapshot the next delta query increments.
const (
	TreeSaved = "saved"
	TreeDelta = "delta"
)

// Configuration keys in the kv table.
const (
	KeyRootID       = "root_id"
	KeyLocalPath    = "local_path"
	KeyToken        = "token"
	KeyDeltaLink    = "delta_link"
	KeyLastSyncTime = "last_sync_time"
	KeyDBVersion    = "db_version"
)

// dbVersion is stamped into the kv table on open. Schema migrations are
// goose's job; this value marks the data semantics for future readers.
const dbVersion = "1"

// Store is the SQLite persistence layer for trees and configuration: a
// key-value table of strings, per-tree-kind files/dirs tables, and content
// digests keyed by (file_id, algorithm).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the database at path and applies
// pending schema migrations.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sync: opening store %s: %w", path, err)
	}

	// The store has exactly one writer: the reconciliation run.
	db.SetMaxOpenConns(1)

	if err := migrate(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.Set(context.Background(), KeyDBVersion, dbVersion); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func migrate(db *sql.DB, logger *slog.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: loading migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("sync: creating migration provider: %w", err)
	}

	results, err := provider.Up(context.Background())
	if err != nil {
		return fmt.Errorf("sync: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration", slog.String("source", r.Source.Path))
	}

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get reads a configuration value. Missing keys return "", no error.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("sync: reading kv %q: %w", key, err)
	}

	return value, nil
}

// Set writes a configuration value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("sync: writing kv %q: %w", key, err)
	}

	return nil
}

// LoadTree reads the tree of the given kind, anchored at rootID. The
// second return is false when the store has never saved that kind, so a
// first run can distinguish "empty tree" from "no tree yet".
func (s *Store) LoadTree(ctx context.Context, kind, rootID string) (*Tree, bool, error) {
	t := NewTree(rootID)
	found := false

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parent FROM dirs WHERE tree = ?`, kind)
	if err != nil {
		return nil, false, fmt.Errorf("sync: loading %s dirs: %w", kind, err)
	}

	for rows.Next() {
		var id, name, parent string
		if err := rows.Scan(&id, &name, &parent); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("sync: scanning dir row: %w", err)
		}

		found = true

		if id == rootID {
			continue
		}

		t.Dirs[id] = newTreeDir(id, name, parent)
	}

	if err := closeRows(rows, "dirs"); err != nil {
		return nil, false, err
	}

	fileRows, err := s.db.QueryContext(ctx,
		`SELECT id, name, parent, size, etag, ctag, mtime_ns FROM files WHERE tree = ?`, kind)
	if err != nil {
		return nil, false, fmt.Errorf("sync: loading %s files: %w", kind, err)
	}

	for fileRows.Next() {
		f := &TreeFile{}
		if err := fileRows.Scan(&f.ID, &f.Name, &f.Parent, &f.Size, &f.ETag, &f.CTag, &f.ModTimeNano); err != nil {
			fileRows.Close()
			return nil, false, fmt.Errorf("sync: scanning file row: %w", err)
		}

		found = true
		t.Files[f.ID] = f
	}

	if err := closeRows(fileRows, "files"); err != nil {
		return nil, false, err
	}

	if !found {
		return t, false, nil
	}

	if err := s.attachHashes(ctx, t); err != nil {
		return nil, false, err
	}

	t.ReconstructByParents()

	return t, true, nil
}

// attachHashes fills in each file's persisted content digests.
func (s *Store) attachHashes(ctx context.Context, t *Tree) error {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, algorithm, digest FROM hashes`)
	if err != nil {
		return fmt.Errorf("sync: loading hashes: %w", err)
	}

	for rows.Next() {
		var fileID, algorithm, digest string
		if err := rows.Scan(&fileID, &algorithm, &digest); err != nil {
			rows.Close()
			return fmt.Errorf("sync: scanning hash row: %w", err)
		}

		f, ok := t.Files[fileID]
		if !ok {
			continue
		}

		switch HashAlgorithm(algorithm) {
		case HashQuickXor:
			f.QuickXorHash = digest
		case HashSHA1:
			f.SHA1Hash = digest
		case HashSHA256:
			f.SHA256Hash = digest
		}
	}

	return closeRows(rows, "hashes")
}

// SaveTree replaces the stored tree of the given kind with t, and (for the
// saved tree) rewrites the per-file digest table.
func (s *Store) SaveTree(ctx context.Context, kind string, t *Tree) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning save of %s tree: %w", kind, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM dirs WHERE tree = ?`, kind); err != nil {
		return fmt.Errorf("sync: clearing %s dirs: %w", kind, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE tree = ?`, kind); err != nil {
		return fmt.Errorf("sync: clearing %s files: %w", kind, err)
	}

	for id, d := range t.Dirs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dirs (tree, id, name, parent) VALUES (?, ?, ?, ?)`,
			kind, id, d.Name, d.Parent); err != nil {
			return fmt.Errorf("sync: inserting dir %s: %w", id, err)
		}
	}

	for id, f := range t.Files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO files (tree, id, name, parent, size, etag, ctag, mtime_ns)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			kind, id, f.Name, f.Parent, f.Size, f.ETag, f.CTag, f.ModTimeNano); err != nil {
			return fmt.Errorf("sync: inserting file %s: %w", id, err)
		}
	}

	if kind == TreeSaved {
		if err := saveHashes(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing %s tree: %w", kind, err)
	}

	s.logger.Debug("tree persisted",
		slog.String("kind", kind),
		slog.Int("dirs", len(t.Dirs)),
		slog.Int("files", len(t.Files)),
	)

	return nil
}

func saveHashes(ctx context.Context, tx *sql.Tx, t *Tree) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM hashes`); err != nil {
		return fmt.Errorf("sync: clearing hashes: %w", err)
	}

	for id, f := range t.Files {
		digests := map[HashAlgorithm]string{
			HashQuickXor: f.QuickXorHash,
			HashSHA1:     f.SHA1Hash,
			HashSHA256:   f.SHA256Hash,
		}

		for algo, digest := range digests {
			if digest == "" {
				continue
			}

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO hashes (file_id, algorithm, digest) VALUES (?, ?, ?)`,
				id, string(algo), digest); err != nil {
				return fmt.Errorf("sync: inserting hash for %s: %w", id, err)
			}
		}
	}

	return nil
}

func closeRows(rows *sql.Rows, what string) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("sync: iterating %s rows: %w", what, err)
	}

	return rows.Close()
}
