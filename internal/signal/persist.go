package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// treeDB provides optional SQLite-backed persistence of the rendezvous tree
// so call records and user profiles survive a signal-server restart.
type treeDB struct {
	db *sql.DB
	mu sync.Mutex
}

// openTreeDB opens (or creates) the persistence database.
func openTreeDB(path string) (*treeDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent access from multiple processes sharing the file.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tree (
		path  TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		ts    INTEGER DEFAULT 0
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &treeDB{db: db}, nil
}

func (t *treeDB) close() error {
	return t.db.Close()
}

// write persists a raw value at path, dropping any rows the write shadows
// (the path itself and everything beneath it).
func (t *treeDB) write(path string, raw json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UnixMilli()
	_, _ = t.db.Exec(`DELETE FROM tree WHERE path = ? OR path LIKE ?`, path, path+"/%")
	if _, err := t.db.Exec(`INSERT INTO tree (path, value, ts) VALUES (?, ?, ?)`,
		path, string(raw), now); err != nil {
		log.Errorf("treedb: write %s: %v", path, err)
	}
}

// deleteSubtree drops all rows at or under path.
func (t *treeDB) deleteSubtree(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = t.db.Exec(`DELETE FROM tree WHERE path = ? OR path LIKE ?`, path, path+"/%")
}

// restore replays all persisted writes into the store in path order, so a
// record written whole and then patched field-by-field reassembles correctly.
func (t *treeDB) restore(store *MemoryStore) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`SELECT path, value FROM tree ORDER BY path`)
	if err != nil {
		return err
	}
	defer rows.Close()

	ctx := context.Background()
	n := 0
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return err
		}
		if err := store.WriteRaw(ctx, path, json.RawMessage(value)); err != nil {
			log.Warnf("treedb: restore %s: %v", path, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Infof("treedb: restored %d entries", n)
	}
	return rows.Err()
}

// sweepStaleCalls removes persisted call records older than threshold millis.
// A crashed participant leaves its record behind; the sweep keeps the store
// from accumulating them across restarts.
func (t *treeDB) sweepStaleCalls(store *MemoryStore, thresholdMillis int64) {
	ctx := context.Background()
	raw, found, err := store.ReadOnce(ctx, CallsRoot)
	if err != nil || !found {
		return
	}

	var tree map[string]struct {
		CreatedAt int64 `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return
	}

	for id, rec := range tree {
		if !strings.Contains(id, "/") && rec.CreatedAt < thresholdMillis {
			path := CallPath(id)
			_ = store.DeleteSubtree(ctx, path)
			t.deleteSubtree(path)
			log.Infof("treedb: swept stale call %s", id)
		}
	}
}
