// Package store persists session history and a local copy of backend
// settings in a bbolt database. History survives console restarts; the
// settings copy is served when the backend is unreachable.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"goama/session"
)

var (
	sessionsBucket = []byte("sessions")
	settingsBucket = []byte("settings")
)

type Store struct {
	db *bolt.DB
}

// Open creates or opens the database at path. The two top-level buckets are
// created up front so later transactions never race on bucket creation.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(settingsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// StoredMessage is the persisted shape of a timeline entry. Audio payloads
// are not written; only the fact that a clip existed.
type StoredMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	HasAudio  bool      `json:"has_audio,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionInfo summarizes one stored session for history listings.
type SessionInfo struct {
	ID       string    `json:"id"`
	Started  time.Time `json:"started"`
	Messages int       `json:"messages"`
}

// History binds the store to one live session. It satisfies the
// orchestrator's HistoryRecorder.
type History struct {
	store *Store
	id    string
}

func (s *Store) History(sessionID string) *History {
	return &History{store: s, id: sessionID}
}

func sessionBucketName(id string) []byte {
	return []byte("session-" + id)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// RecordTurn appends the turn's messages under the session bucket in
// sequence order.
func (h *History) RecordTurn(msgs []session.Message) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(sessionsBucket)
		b, err := root.CreateBucketIfNotExists(sessionBucketName(h.id))
		if err != nil {
			return fmt.Errorf("create session bucket: %w", err)
		}
		for _, m := range msgs {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			stored := StoredMessage{
				ID:        m.ID.String(),
				Role:      string(m.Role),
				Text:      m.Text,
				HasAudio:  m.Audio != nil,
				Timestamp: m.Timestamp,
			}
			v, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("marshal message: %w", err)
			}
			if err := b.Put(itob(seq), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sessions lists stored sessions, most recent first.
func (s *Store) Sessions() ([]SessionInfo, error) {
	var infos []SessionInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(sessionsBucket)
		return root.ForEachBucket(func(name []byte) error {
			b := root.Bucket(name)
			info := SessionInfo{ID: string(name[len("session-"):])}
			c := b.Cursor()
			if k, v := c.First(); k != nil {
				var first StoredMessage
				if err := json.Unmarshal(v, &first); err == nil {
					info.Started = first.Timestamp
				}
			}
			info.Messages = b.Stats().KeyN
			infos = append(infos, info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(infos)-1; i < j; i, j = i+1, j-1 {
		infos[i], infos[j] = infos[j], infos[i]
	}
	return infos, nil
}

// Messages returns one session's messages in insertion order. A missing
// session yields an empty slice, not an error.
func (s *Store) Messages(sessionID string) ([]StoredMessage, error) {
	var msgs []StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket).Bucket(sessionBucketName(sessionID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var m StoredMessage
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("unmarshal message: %w", err)
			}
			msgs = append(msgs, m)
			return nil
		})
	})
	return msgs, err
}

// SaveSettings refreshes the local copy of one settings document.
func (s *Store) SaveSettings(kind string, raw json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(kind), raw)
	})
}

// CachedSettings returns the last saved copy, or ok=false when none exists.
func (s *Store) CachedSettings(kind string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(kind))
		if v != nil {
			raw = append(json.RawMessage(nil), v...)
		}
		return nil
	})
	return raw, raw != nil, err
}
