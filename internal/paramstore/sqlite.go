package paramstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registered under driver name "sqlite"
)

// sqlitePageStore is the production PageStore, persisting each page as one
// row in a local SQLite database via database/sql + modernc.org/sqlite.
// Validity (marker+CRC) is never computed by the database; it is always
// recomputed in Go on every read by the block codec in block.go, matching
// the original semantics exactly: the database is page storage only, never
// a source of truth for validity.
type sqlitePageStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) a SQLite-backed parameter
// store at path and migrates its schema.
func OpenSQLiteStore(path string) (PageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("paramstore: open %s: %w", path, err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS eeprom_pages (
	page_index INTEGER PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("paramstore: migrate: %w", err)
	}

	return &sqlitePageStore{db: db}, nil
}

func (s *sqlitePageStore) ReadPages(start, n int) ([]byte, error) {
	out := make([]byte, n*PageSize)

	rows, err := s.db.Query(
		`SELECT page_index, data FROM eeprom_pages WHERE page_index >= ? AND page_index < ?`,
		start, start+n,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageIO, err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPageIO, err)
		}
		off := (idx - start) * PageSize
		copy(out[off:off+PageSize], data)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPageIO, err)
	}

	return out, nil
}

func (s *sqlitePageStore) WritePages(start int, data []byte) error {
	if len(data)%PageSize != 0 {
		return fmt.Errorf("%w: length %d not a multiple of page size", ErrPageIO, len(data))
	}
	n := len(data) / PageSize

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPageIO, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO eeprom_pages (page_index, data, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(page_index) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPageIO, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		page := make([]byte, PageSize)
		copy(page, data[i*PageSize:(i+1)*PageSize])

		if _, err := stmt.Exec(start+i, page, time.Now()); err != nil {
			return fmt.Errorf("%w: %v", ErrPageIO, err)
		}
		// The original settles 50ms per page after the I2C write
		// completes before issuing the next one; there is no physical
		// bus here, but the pacing is preserved so that write-timing
		// characteristics stay comparable to the source.
		time.Sleep(50 * time.Millisecond)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrPageIO, err)
	}

	readBack, err := s.ReadPages(start, n)
	if err != nil {
		return fmt.Errorf("%w: read-back verify: %v", ErrPageIO, err)
	}
	for i := range data {
		if readBack[i] != data[i] {
			return fmt.Errorf("%w: read-back verify mismatch at offset %d", ErrPageIO, i)
		}
	}
	return nil
}
