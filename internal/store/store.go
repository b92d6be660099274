// Package store persists users, groups, and chat messages in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// User is a registered chat identity.
type User struct {
	ID       int64  `json:"user_id"`
	Username string `json:"username"`
}

// Group is a named set of member identities.
type Group struct {
	ID        int64   `json:"group_id"`
	Name      string  `json:"group_name"`
	MemberIDs []int64 `json:"user_ids"`
}

// Message is one persisted chat message. Exactly one of ToUserID/GroupID is
// set, matching the envelope type.
type Message struct {
	ID         int64
	Timestamp  time.Time
	Type       string
	Text       *string
	Image      []byte
	FromUserID int64
	ToUserID   *int64
	GroupID    *int64
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS groups (
	group_id INTEGER PRIMARY KEY AUTOINCREMENT,
	group_name TEXT NOT NULL,
	member_ids TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	type TEXT NOT NULL,
	message TEXT,
	image BLOB,
	from_user_id INTEGER NOT NULL,
	to_user_id INTEGER,
	group_id INTEGER
);`

// Open connects to the SQLite database at path and creates the schema if it
// does not already exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user and returns it with its assigned id.
func (s *Store) CreateUser(ctx context.Context, username string) (User, error) {
	if username == "" {
		return User{}, errors.New("username cannot be empty")
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (username) VALUES (?)`, username)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Username: username}, nil
}

// FindUser returns the user with the given id, or nil if absent.
func (s *Store) FindUser(ctx context.Context, id int64) (*User, error) {
	u := User{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM users WHERE user_id = ?`, id).Scan(&u.Username)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

// CreateGroup inserts a new group after validating its member list: duplicate
// ids and ids with no matching user are rejected.
func (s *Store) CreateGroup(ctx context.Context, name string, memberIDs []int64) (Group, error) {
	if name == "" {
		return Group{}, errors.New("group name cannot be empty")
	}
	seen := make(map[int64]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		if _, dup := seen[id]; dup {
			return Group{}, errors.New("duplicate user IDs are not allowed in the group")
		}
		seen[id] = struct{}{}
	}
	for _, id := range memberIDs {
		u, err := s.FindUser(ctx, id)
		if err != nil {
			return Group{}, err
		}
		if u == nil {
			return Group{}, fmt.Errorf("users not found: %d", id)
		}
	}

	encoded, err := json.Marshal(memberIDs)
	if err != nil {
		return Group{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (group_name, member_ids) VALUES (?, ?)`, name, string(encoded))
	if err != nil {
		return Group{}, fmt.Errorf("insert group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Group{}, err
	}
	return Group{ID: id, Name: name, MemberIDs: memberIDs}, nil
}

// FindGroup returns the group with the given id, or nil if absent.
func (s *Store) FindGroup(ctx context.Context, id int64) (*Group, error) {
	g := Group{ID: id}
	var encoded string
	err := s.db.QueryRowContext(ctx,
		`SELECT group_name, member_ids FROM groups WHERE group_id = ?`, id).
		Scan(&g.Name, &encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find group: %w", err)
	}
	if err := json.Unmarshal([]byte(encoded), &g.MemberIDs); err != nil {
		return nil, fmt.Errorf("decode member list for group %d: %w", id, err)
	}
	return &g, nil
}

// GroupsForMember returns every group whose member list contains userID.
// Member lists are stored as JSON arrays, so the filter runs in Go.
func (s *Store) GroupsForMember(ctx context.Context, userID int64) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, group_name, member_ids FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		var encoded string
		if err := rows.Scan(&g.ID, &g.Name, &encoded); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(encoded), &g.MemberIDs); err != nil {
			return nil, fmt.Errorf("decode member list for group %d: %w", g.ID, err)
		}
		for _, id := range g.MemberIDs {
			if id == userID {
				groups = append(groups, g)
				break
			}
		}
	}
	return groups, rows.Err()
}

// InsertMessage persists a message, assigning its id and a server-side
// timestamp.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	m.Timestamp = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (timestamp, type, message, image, from_user_id, to_user_id, group_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.Timestamp, m.Type, m.Text, m.Image, m.FromUserID, m.ToUserID, m.GroupID)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}
