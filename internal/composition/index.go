package composition

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// IndexRow mirrors the SQLite metadata row for one indexed composition.
type IndexRow struct {
	Name             string
	Type             string
	FilePath         string
	FileHash         string
	Version          string
	Description      string
	Author           string
	Extends          string
	Tags             []string
	Capabilities     []string
	Dependencies     []string
	LoadingStrategy  string
	Mutable          bool
	Ephemeral        bool
	FullMetadata     map[string]any
	IndexedAt        float64
	LastModified     float64
}

// Index is the SQLite-backed composition metadata index.
type Index struct {
	db     *sql.DB
	loader *Loader
}

// OpenIndex initializes the composition index database at dbPath,
// reading composition files from loader.Root.
func OpenIndex(dbPath string, loader *Loader) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create composition index dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open composition index: %w", err)
	}
	idx := &Index{db: db, loader: loader}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	_, err := idx.db.Exec(`
		CREATE TABLE IF NOT EXISTS compositions (
			name TEXT PRIMARY KEY,
			type TEXT,
			file_path TEXT,
			file_hash TEXT,
			version TEXT,
			description TEXT,
			author TEXT,
			extends TEXT,
			tags TEXT,
			capabilities TEXT,
			dependencies TEXT,
			loading_strategy TEXT,
			mutable INTEGER,
			ephemeral INTEGER,
			full_metadata TEXT,
			indexed_at REAL,
			last_modified REAL
		);
		CREATE INDEX IF NOT EXISTS idx_compositions_type ON compositions(type);
	`)
	return err
}

func (idx *Index) Close() error { return idx.db.Close() }

// Rebuild truncates the index and re-walks loader.Root, indexing every
// composition file found.
func (idx *Index) Rebuild() (int, error) {
	if _, err := idx.db.Exec(`DELETE FROM compositions`); err != nil {
		return 0, err
	}
	count := 0
	err := filepath.WalkDir(idx.loader.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !hasCompositionExt(path) {
			return nil
		}
		if _, ierr := idx.IndexFile(path); ierr != nil {
			return nil // skip unparseable files rather than aborting the walk
		}
		count++
		return nil
	})
	return count, err
}

func hasCompositionExt(path string) bool {
	ext := filepath.Ext(path)
	for _, e := range extensionOrder {
		if ext == e {
			return true
		}
	}
	return false
}

// IndexFile computes path's content hash and indexes it if changed since
// the last index pass, skipping unchanged files.
func (idx *Index) IndexFile(path string) (changed bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])

	existing, err := idx.lookupHash(path)
	if err != nil {
		return false, err
	}
	if existing == hashHex {
		return false, nil
	}

	c, err := idx.loader.Load(path)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	metaJSON, _ := json.Marshal(c.Metadata)
	now := float64(time.Now().UnixNano()) / 1e9
	_, err = idx.db.Exec(`
		INSERT INTO compositions
			(name, type, file_path, file_hash, version, description, author, extends,
			 tags, capabilities, dependencies, loading_strategy, mutable, ephemeral,
			 full_metadata, indexed_at, last_modified)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET
			type=excluded.type, file_path=excluded.file_path, file_hash=excluded.file_hash,
			version=excluded.version, description=excluded.description, extends=excluded.extends,
			full_metadata=excluded.full_metadata, indexed_at=excluded.indexed_at,
			last_modified=excluded.last_modified
	`,
		c.Name, string(c.Type), path, hashHex, c.Version, c.Description, "", c.Extends,
		strings.Join(c.Mixins, ","), "", "", "", 0, 0,
		string(metaJSON), now, float64(info.ModTime().Unix()),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (idx *Index) lookupHash(path string) (string, error) {
	row := idx.db.QueryRow(`SELECT file_hash FROM compositions WHERE file_path=?`, path)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

// Get returns the indexed row for name, if present.
func (idx *Index) Get(name string) (*IndexRow, bool, error) {
	row := idx.db.QueryRow(`
		SELECT name, type, file_path, file_hash, version, description, extends, indexed_at, last_modified
		FROM compositions WHERE name=?
	`, name)
	var r IndexRow
	if err := row.Scan(&r.Name, &r.Type, &r.FilePath, &r.FileHash, &r.Version, &r.Description, &r.Extends, &r.IndexedAt, &r.LastModified); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &r, true, nil
}

// List returns every indexed composition, optionally filtered by type.
func (idx *Index) List(kind Kind) ([]IndexRow, error) {
	q := `SELECT name, type, file_path, version, description, extends FROM compositions`
	args := []any{}
	if kind != "" {
		q += ` WHERE type = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY name`
	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		if err := rows.Scan(&r.Name, &r.Type, &r.FilePath, &r.Version, &r.Description, &r.Extends); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
