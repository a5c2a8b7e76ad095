package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// errNoSuchRow reports an update or delete that matched zero rows. The row is
// gone or never existed; retrying cannot help.
var errNoSuchRow = errors.New("no row with that rowid")

func openStore(path string) (*store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s for read/write: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open failed for %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		return nil, fmt.Errorf("set journal mode failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS deaths (
			server TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			dead_person TEXT NOT NULL,
			caption TEXT NOT NULL DEFAULT '',
			attachment TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			reporter TEXT NOT NULL
		);
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_deaths_message_id ON deaths (message_id);`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_deaths_server_person ON deaths (server, dead_person);`); err != nil {
		return nil, err
	}
	return &store{db: db}, nil
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unable to open database file")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *store) Close() error {
	return s.db.Close()
}

func (s *store) AddDeath(rec deathRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rowID int64
	err := withSQLiteRetry(func() error {
		res, err := s.db.Exec(
			`INSERT INTO deaths (server, channel_id, message_id, dead_person, caption, attachment, image_url, timestamp, reporter)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Server, rec.ChannelID, rec.MessageID, rec.DeadPerson, rec.Caption,
			rec.Attachment, rec.ImageURL, rec.Timestamp, rec.Reporter,
		)
		if err != nil {
			return err
		}
		rowID, err = res.LastInsertId()
		return err
	})
	return rowID, err
}

func (s *store) UpdateImageURL(rowID int64, imageURL string) error {
	return s.updateField(`UPDATE deaths SET image_url = ? WHERE rowid = ?`, imageURL, rowID)
}

func (s *store) UpdateMessageID(rowID int64, messageID string) error {
	return s.updateField(`UPDATE deaths SET message_id = ? WHERE rowid = ?`, messageID, rowID)
}

func (s *store) updateField(query string, value any, rowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		res, err := s.db.Exec(query, value, rowID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("rowid %d: %w", rowID, errNoSuchRow)
		}
		return nil
	})
}

func (s *store) DeleteDeath(rowID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		res, err := s.db.Exec(`DELETE FROM deaths WHERE rowid = ?`, rowID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("rowid %d: %w", rowID, errNoSuchRow)
		}
		return nil
	})
}

// GetDeathByMessageID looks a record up by the platform-assigned message ID.
// Rows whose backfill has not landed yet carry an empty message_id and are
// never matched.
func (s *store) GetDeathByMessageID(messageID string) (deathRecord, bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return deathRecord{}, false, nil
	}
	var rec deathRecord
	found := false
	err := withSQLiteRetry(func() error {
		row := s.db.QueryRow(
			`SELECT rowid, server, channel_id, message_id, dead_person, caption, attachment, image_url, timestamp, reporter
			 FROM deaths WHERE message_id = ?`,
			messageID,
		)
		err := row.Scan(&rec.RowID, &rec.Server, &rec.ChannelID, &rec.MessageID, &rec.DeadPerson,
			&rec.Caption, &rec.Attachment, &rec.ImageURL, &rec.Timestamp, &rec.Reporter)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found, err
}

func (s *store) GetTally(server string) ([]tallyEntry, error) {
	return s.queryTally(
		`SELECT dead_person, COUNT(rowid) FROM deaths WHERE server = ? GROUP BY dead_person ORDER BY COUNT(rowid) DESC, dead_person ASC`,
		server,
	)
}

func (s *store) GetTallyBetween(server string, start, end int64) ([]tallyEntry, error) {
	return s.queryTally(
		`SELECT dead_person, COUNT(rowid) FROM deaths WHERE timestamp BETWEEN ? AND ? AND server = ? GROUP BY dead_person ORDER BY COUNT(rowid) DESC, dead_person ASC`,
		start, end, server,
	)
}

func (s *store) queryTally(query string, args ...any) ([]tallyEntry, error) {
	items := make([]tallyEntry, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		items = items[:0]
		for rows.Next() {
			var entry tallyEntry
			if err := rows.Scan(&entry.DeadPerson, &entry.Count); err != nil {
				return err
			}
			items = append(items, entry)
		}
		return rows.Err()
	})
	return items, err
}

func (s *store) GetRandomDeath(server, deadPerson string) (deathRecord, bool, error) {
	var rec deathRecord
	found := false
	err := withSQLiteRetry(func() error {
		row := s.db.QueryRow(
			`SELECT rowid, server, channel_id, message_id, dead_person, caption, attachment, image_url, timestamp, reporter
			 FROM deaths WHERE server = ? AND dead_person = ? ORDER BY RANDOM() LIMIT 1`,
			server, deadPerson,
		)
		err := row.Scan(&rec.RowID, &rec.Server, &rec.ChannelID, &rec.MessageID, &rec.DeadPerson,
			&rec.Caption, &rec.Attachment, &rec.ImageURL, &rec.Timestamp, &rec.Reporter)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found, err
}
