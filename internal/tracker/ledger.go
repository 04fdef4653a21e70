package tracker

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/rmiagent/internal/storage"
)

const (
	hashedPrefix = "b3-"
	tmpPrefix    = ".tmp-"
)

var plainMarker = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// FileLedger keeps one marker file per cancelled sn under a directory. The
// file content is the sn; the name is the sn itself when it is a safe file
// name and its blake3 digest otherwise.
type FileLedger struct {
	dir string
}

// NewFileLedger creates dir if needed.
func NewFileLedger(dir string) (*FileLedger, error) {
	if dir == "" {
		return nil, fmt.Errorf("ledger directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	if err := storage.RequireLocalFilesystem(dir); err != nil {
		return nil, err
	}
	return &FileLedger{dir: dir}, nil
}

// MarkerName returns the file name used for sn.
func MarkerName(sn string) string {
	if plainMarker.MatchString(sn) && !strings.HasPrefix(sn, hashedPrefix) {
		return sn
	}
	sum := blake3.Sum256([]byte(sn))
	return hashedPrefix + hex.EncodeToString(sum[:])
}

func (l *FileLedger) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) {
			continue
		}
		b, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read marker %s: %w", name, err)
		}
		sn := string(b)
		if sn == "" {
			// zero-byte marker: the name is the sn
			sn = name
		}
		out = append(out, sn)
	}
	return out, nil
}

func (l *FileLedger) Put(sn string) error {
	f, err := os.CreateTemp(l.dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	tmp := f.Name()
	if _, err := f.WriteString(sn); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write marker: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync marker: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(l.dir, MarkerName(sn))); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit marker: %w", err)
	}
	return nil
}

func (l *FileLedger) Delete(sn string) error {
	err := os.Remove(filepath.Join(l.dir, MarkerName(sn)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker: %w", err)
	}
	return nil
}

// SQLiteLedger keeps the cancelled set in the agent state database.
type SQLiteLedger struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSQLiteLedger(db *sql.DB) *SQLiteLedger {
	return &SQLiteLedger{db: db, timeout: 5 * time.Second}
}

func (l *SQLiteLedger) List() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `SELECT sn FROM cancelled ORDER BY sn;`)
	if err != nil {
		return nil, fmt.Errorf("list cancelled: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sn string
		if err := rows.Scan(&sn); err != nil {
			return nil, fmt.Errorf("scan cancelled: %w", err)
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cancelled: %w", err)
	}
	return out, nil
}

func (l *SQLiteLedger) Put(sn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cancelled(sn, cancelled_at) VALUES(?, ?);`,
		sn, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert cancelled: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Delete(sn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	if _, err := l.db.ExecContext(ctx, `DELETE FROM cancelled WHERE sn = ?;`, sn); err != nil {
		return fmt.Errorf("delete cancelled: %w", err)
	}
	return nil
}
