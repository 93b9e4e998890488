// Package statestore implements the durable persistence layer: a SQLite
// database holding the account pickle, every pairwise session pickle, and
// every inbound/outbound group session pickle for one (user, device).
package statestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a single SQLite database file, opened once at startup and
// closed at shutdown, per the engine's resource ownership model.
type Store struct {
	db *sql.DB
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS olmaccount (
		user TEXT PRIMARY KEY,
		pickle BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS olmsessions (
		user TEXT NOT NULL,
		device_id TEXT NOT NULL,
		identity_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		pickle BLOB NOT NULL,
		PRIMARY KEY (user, device_id, identity_key, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS inbound_group_sessions (
		room_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sender_curve25519 TEXT NOT NULL DEFAULT '',
		sender_ed25519 BLOB,
		pickle BLOB NOT NULL,
		PRIMARY KEY (room_id, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS outbound_group_sessions (
		room_id TEXT PRIMARY KEY,
		pickle BLOB NOT NULL,
		shared INTEGER NOT NULL DEFAULT 0
	)`,
}

// Open opens (creating if necessary) the SQLite database at path and
// applies every migration. The returned bool is true iff the account
// table was empty before open -- callers use this to decide whether to
// create a fresh Account or load the persisted one.
func Open(path string) (store *Store, freshlyInitialized bool, err error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, false, fmt.Errorf("statestore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("statestore: set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("statestore: enable foreign keys: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, false, fmt.Errorf("statestore: migration: %w", err)
		}
	}

	var count int
	if err := db.QueryRow("SELECT count(*) FROM olmaccount").Scan(&count); err != nil {
		db.Close()
		return nil, false, fmt.Errorf("statestore: counting accounts: %w", err)
	}

	return &Store{db: db}, count == 0, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadAccount returns the persisted account pickle for user, or
// (nil, false, nil) if none exists.
func (s *Store) LoadAccount(user string) ([]byte, bool, error) {
	var pickle []byte
	err := s.db.QueryRow("SELECT pickle FROM olmaccount WHERE user = ?", user).Scan(&pickle)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("statestore: loading account: %w", err)
	}
	return pickle, true, nil
}

// SaveAccount inserts or updates the account row for user. isNew
// distinguishes a first save (insert) from a subsequent mutation
// (update-by-user), matching the write contract: insert-on-new,
// update-by-user otherwise.
func (s *Store) SaveAccount(user string, pickle []byte, isNew bool) error {
	var err error
	if isNew {
		_, err = s.db.Exec("INSERT INTO olmaccount (user, pickle) VALUES (?, ?)", user, pickle)
	} else {
		_, err = s.db.Exec("UPDATE olmaccount SET pickle = ? WHERE user = ?", pickle, user)
	}
	if err != nil {
		return fmt.Errorf("statestore: saving account: %w", err)
	}
	return nil
}

// SessionRow is a single persisted pairwise session.
type SessionRow struct {
	User        string
	DeviceID    string
	IdentityKey string
	SessionID   string
	Pickle      []byte
}

// LoadSessions returns every persisted pairwise session.
func (s *Store) LoadSessions() ([]SessionRow, error) {
	rows, err := s.db.Query("SELECT user, device_id, identity_key, session_id, pickle FROM olmsessions")
	if err != nil {
		return nil, fmt.Errorf("statestore: loading sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.User, &r.DeviceID, &r.IdentityKey, &r.SessionID, &r.Pickle); err != nil {
			return nil, fmt.Errorf("statestore: scanning session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveSession inserts or updates a pairwise session row. isNew
// distinguishes insert-by-full-tuple from update-by-(user, device_id,
// identity_key, session_id).
func (s *Store) SaveSession(row SessionRow, isNew bool) error {
	var err error
	if isNew {
		_, err = s.db.Exec(
			"INSERT INTO olmsessions (user, device_id, identity_key, session_id, pickle) VALUES (?, ?, ?, ?, ?)",
			row.User, row.DeviceID, row.IdentityKey, row.SessionID, row.Pickle)
	} else {
		_, err = s.db.Exec(
			"UPDATE olmsessions SET pickle = ? WHERE user = ? AND device_id = ? AND identity_key = ? AND session_id = ?",
			row.Pickle, row.User, row.DeviceID, row.IdentityKey, row.SessionID)
	}
	if err != nil {
		return fmt.Errorf("statestore: saving session: %w", err)
	}
	return nil
}

// InboundGroupRow is a single persisted inbound group session.
type InboundGroupRow struct {
	RoomID           string
	SessionID        string
	SenderCurve25519 string
	SenderEd25519    []byte
	Pickle           []byte
}

// LoadInboundGroupSessions returns every persisted inbound group session.
func (s *Store) LoadInboundGroupSessions() ([]InboundGroupRow, error) {
	rows, err := s.db.Query("SELECT room_id, session_id, sender_curve25519, sender_ed25519, pickle FROM inbound_group_sessions")
	if err != nil {
		return nil, fmt.Errorf("statestore: loading inbound group sessions: %w", err)
	}
	defer rows.Close()

	var out []InboundGroupRow
	for rows.Next() {
		var r InboundGroupRow
		if err := rows.Scan(&r.RoomID, &r.SessionID, &r.SenderCurve25519, &r.SenderEd25519, &r.Pickle); err != nil {
			return nil, fmt.Errorf("statestore: scanning inbound group session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveInboundGroupSession inserts a new inbound group session row. Per
// §4.6's first-write-wins contract, the engine only calls this when the
// (room_id, session_id) pair is not already installed, so this is always
// an insert, never an update.
func (s *Store) SaveInboundGroupSession(row InboundGroupRow) error {
	_, err := s.db.Exec(
		"INSERT INTO inbound_group_sessions (room_id, session_id, sender_curve25519, sender_ed25519, pickle) VALUES (?, ?, ?, ?, ?)",
		row.RoomID, row.SessionID, row.SenderCurve25519, row.SenderEd25519, row.Pickle)
	if err != nil {
		return fmt.Errorf("statestore: saving inbound group session: %w", err)
	}
	return nil
}

// OutboundGroupRow is a single persisted outbound group session.
type OutboundGroupRow struct {
	RoomID string
	Pickle []byte
	Shared bool
}

// LoadOutboundGroupSessions returns every persisted outbound group
// session.
func (s *Store) LoadOutboundGroupSessions() ([]OutboundGroupRow, error) {
	rows, err := s.db.Query("SELECT room_id, pickle, shared FROM outbound_group_sessions")
	if err != nil {
		return nil, fmt.Errorf("statestore: loading outbound group sessions: %w", err)
	}
	defer rows.Close()

	var out []OutboundGroupRow
	for rows.Next() {
		var r OutboundGroupRow
		var shared int
		if err := rows.Scan(&r.RoomID, &r.Pickle, &shared); err != nil {
			return nil, fmt.Errorf("statestore: scanning outbound group session: %w", err)
		}
		r.Shared = shared != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveOutboundGroupSession inserts or updates the outbound group session
// for a room.
func (s *Store) SaveOutboundGroupSession(row OutboundGroupRow, isNew bool) error {
	shared := 0
	if row.Shared {
		shared = 1
	}

	var err error
	if isNew {
		_, err = s.db.Exec(
			"INSERT INTO outbound_group_sessions (room_id, pickle, shared) VALUES (?, ?, ?)",
			row.RoomID, row.Pickle, shared)
	} else {
		_, err = s.db.Exec(
			"UPDATE outbound_group_sessions SET pickle = ?, shared = ? WHERE room_id = ?",
			row.Pickle, shared, row.RoomID)
	}
	if err != nil {
		return fmt.Errorf("statestore: saving outbound group session: %w", err)
	}
	return nil
}
