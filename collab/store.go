package collab

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// LocalStore persists the small amount of client-local state that must
// survive restarts: the client identity, the cooldown window end, and the
// recent-change journal. Absent or corrupt state is "start fresh", never
// an error the caller has to handle specially.
type LocalStore interface {
	ClientIdentity() (*ClientIdentity, error)
	SetClientIdentity(identity *ClientIdentity) error
	CooldownEnd() (time.Time, error)
	SetCooldownEnd(end time.Time) error
	ClearCooldown() error
	AppendChange(change *Change) error
	RecentChanges(limit int) ([]*Change, error)
	Close() error
}

// SqliteStore backs LocalStore with a single sqlite database file, the
// client-side analog of the browser's local storage.
type SqliteStore struct {
	db *sql.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(2)

	store := &SqliteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (self *SqliteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS client (
		slot       INTEGER PRIMARY KEY CHECK (slot = 1),
		id         TEXT NOT NULL,
		name       TEXT NOT NULL,
		secure     INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cooldown (
		slot   INTEGER PRIMARY KEY CHECK (slot = 1),
		end_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS changes (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL,
		document_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		position    INTEGER NOT NULL,
		length      INTEGER NOT NULL,
		content     TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		user_name   TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	`
	_, err := self.db.Exec(schema)
	return err
}

func (self *SqliteStore) Close() error {
	return self.db.Close()
}

func (self *SqliteStore) ClientIdentity() (*ClientIdentity, error) {
	row := self.db.QueryRow(`SELECT id, name, secure FROM client WHERE slot = 1`)
	var idStr string
	var name string
	var secure bool
	if err := row.Scan(&idStr, &name, &secure); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	id, err := ParseId(idStr)
	if err != nil {
		// corrupt id, start fresh
		return nil, nil
	}
	return &ClientIdentity{
		Id:     id,
		Name:   name,
		Status: StatusOffline,
		Secure: secure,
	}, nil
}

func (self *SqliteStore) SetClientIdentity(identity *ClientIdentity) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := self.db.Exec(
		`INSERT INTO client (slot, id, name, secure, created_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(slot) DO UPDATE SET id = excluded.id, name = excluded.name, secure = excluded.secure`,
		identity.Id.String(), identity.Name, identity.Secure, now,
	)
	return err
}

func (self *SqliteStore) CooldownEnd() (time.Time, error) {
	row := self.db.QueryRow(`SELECT end_at FROM cooldown WHERE slot = 1`)
	var endStr string
	if err := row.Scan(&endStr); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	end, err := time.Parse(time.RFC3339Nano, endStr)
	if err != nil {
		// corrupt timestamp, no active cooldown
		return time.Time{}, nil
	}
	return end, nil
}

func (self *SqliteStore) SetCooldownEnd(end time.Time) error {
	_, err := self.db.Exec(
		`INSERT INTO cooldown (slot, end_at) VALUES (1, ?)
		 ON CONFLICT(slot) DO UPDATE SET end_at = excluded.end_at`,
		end.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (self *SqliteStore) ClearCooldown() error {
	_, err := self.db.Exec(`DELETE FROM cooldown WHERE slot = 1`)
	return err
}

func (self *SqliteStore) AppendChange(change *Change) error {
	_, err := self.db.Exec(
		`INSERT INTO changes (id, document_id, change_type, position, length, content, user_id, user_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		change.Id.String(),
		change.DocumentId.String(),
		change.ChangeType,
		change.Position,
		change.Length,
		change.Content,
		change.UserId.String(),
		change.UserName,
		change.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	// keep only the journal tail
	_, err = self.db.Exec(
		`DELETE FROM changes WHERE seq NOT IN (SELECT seq FROM changes ORDER BY seq DESC LIMIT ?)`,
		ChangeHistoryLimit,
	)
	return err
}

func (self *SqliteStore) RecentChanges(limit int) ([]*Change, error) {
	rows, err := self.db.Query(
		`SELECT id, document_id, change_type, position, length, content, user_id, user_name, created_at
		 FROM changes ORDER BY seq DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*Change
	for rows.Next() {
		var idStr, documentIdStr, userIdStr, createdAtStr string
		change := &Change{}
		err := rows.Scan(
			&idStr,
			&documentIdStr,
			&change.ChangeType,
			&change.Position,
			&change.Length,
			&change.Content,
			&userIdStr,
			&change.UserName,
			&createdAtStr,
		)
		if err != nil {
			return nil, err
		}
		change.Id, _ = ParseId(idStr)
		change.DocumentId, _ = ParseId(documentIdStr)
		change.UserId, _ = ParseId(userIdStr)
		change.Timestamp, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// MemoryStore is a LocalStore that does not survive the process. Used in
// tests and by callers that opt out of persistence.
type MemoryStore struct {
	mutex       sync.Mutex
	identity    *ClientIdentity
	cooldownEnd time.Time
	changes     []*Change
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (self *MemoryStore) ClientIdentity() (*ClientIdentity, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.identity == nil {
		return nil, nil
	}
	identity := *self.identity
	return &identity, nil
}

func (self *MemoryStore) SetClientIdentity(identity *ClientIdentity) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	copied := *identity
	self.identity = &copied
	return nil
}

func (self *MemoryStore) CooldownEnd() (time.Time, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.cooldownEnd, nil
}

func (self *MemoryStore) SetCooldownEnd(end time.Time) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.cooldownEnd = end
	return nil
}

func (self *MemoryStore) ClearCooldown() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.cooldownEnd = time.Time{}
	return nil
}

func (self *MemoryStore) AppendChange(change *Change) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.changes = append(self.changes, change)
	if ChangeHistoryLimit < len(self.changes) {
		self.changes = self.changes[len(self.changes)-ChangeHistoryLimit:]
	}
	return nil
}

func (self *MemoryStore) RecentChanges(limit int) ([]*Change, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	var changes []*Change
	for i := len(self.changes) - 1; 0 <= i && len(changes) < limit; i -= 1 {
		changes = append(changes, self.changes[i])
	}
	return changes, nil
}

func (self *MemoryStore) Close() error {
	return nil
}
