package screenstore

import (
	"database/sql"
	"fmt"
)

// schemaDDL creates the current shape of every table. Older databases are
// brought up to date additively by migrateColumns — columns are only ever
// added, never dropped or renamed, so downgrades keep working.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS screenshots (
    id                      INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash            TEXT NOT NULL UNIQUE,
    width                   INTEGER NOT NULL DEFAULT 0,
    height                  INTEGER NOT NULL DEFAULT 0,
    path                    TEXT NOT NULL,
    status                  TEXT NOT NULL DEFAULT 'pending',
    created_at              INTEGER NOT NULL,
    committed_at            INTEGER,
    content_key_encrypted   BLOB,
    window_title_encrypted  BLOB,
    process_name_encrypted  BLOB,
    process_name            TEXT,
    metadata_encrypted      BLOB,
    source_encrypted        BLOB,
    page_url_encrypted      BLOB,
    page_icon_id            INTEGER REFERENCES page_icons(id),
    link_set_id             INTEGER REFERENCES link_sets(id),
    page_icon_encrypted     BLOB,
    links_encrypted         BLOB
);
CREATE INDEX IF NOT EXISTS idx_screenshots_created ON screenshots(created_at);
CREATE INDEX IF NOT EXISTS idx_screenshots_status  ON screenshots(status);

CREATE TABLE IF NOT EXISTS ocr_texts (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    screenshot_id    INTEGER NOT NULL REFERENCES screenshots(id) ON DELETE CASCADE,
    text_encrypted   BLOB NOT NULL,
    text_key_encrypted BLOB NOT NULL,
    text_hash        BLOB,
    confidence       REAL NOT NULL DEFAULT 0,
    x1 REAL NOT NULL DEFAULT 0, y1 REAL NOT NULL DEFAULT 0,
    x2 REAL NOT NULL DEFAULT 0, y2 REAL NOT NULL DEFAULT 0,
    x3 REAL NOT NULL DEFAULT 0, y3 REAL NOT NULL DEFAULT 0,
    x4 REAL NOT NULL DEFAULT 0, y4 REAL NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ocr_screenshot ON ocr_texts(screenshot_id);

CREATE TABLE IF NOT EXISTS page_icons (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash   BLOB NOT NULL UNIQUE,
    data_encrypted BLOB NOT NULL,
    key_encrypted  BLOB NOT NULL,
    created_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS link_sets (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash   BLOB NOT NULL UNIQUE,
    data_encrypted BLOB NOT NULL,
    key_encrypted  BLOB NOT NULL,
    created_at     INTEGER NOT NULL
);
`

// addColumns lists columns that may be missing from databases created by
// older versions, with the DDL used to add them. Every entry must carry a
// NULL-safe default.
var addColumns = map[string]map[string]string{
	"screenshots": {
		"committed_at":           "INTEGER",
		"process_name":           "TEXT",
		"metadata_encrypted":     "BLOB",
		"source_encrypted":       "BLOB",
		"page_url_encrypted":     "BLOB",
		"page_icon_id":           "INTEGER REFERENCES page_icons(id)",
		"link_set_id":            "INTEGER REFERENCES link_sets(id)",
		"page_icon_encrypted":    "BLOB",
		"links_encrypted":        "BLOB",
	},
	"ocr_texts": {
		"text_hash":  "BLOB",
		"confidence": "REAL NOT NULL DEFAULT 0",
	},
}

// migrateColumns probes each table's columns and adds whatever is missing.
func migrateColumns(db *sql.DB) error {
	for table, cols := range addColumns {
		existing, err := tableColumns(db, table)
		if err != nil {
			return err
		}
		if existing == nil {
			continue // table does not exist yet; schemaDDL will create it fully
		}
		for name, ddl := range cols {
			if existing[name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, ddl)
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("screenstore: %s: %w", stmt, err)
			}
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("screenstore: table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("screenstore: table_info scan: %w", err)
		}
		cols[name] = true
	}
	if len(cols) == 0 {
		return nil, rows.Err()
	}
	return cols, rows.Err()
}
