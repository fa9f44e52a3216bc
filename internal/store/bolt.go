package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers  = []byte("users")
	bucketEmails = []byte("user_emails")
	bucketOwners = []byte("owners")
)

// BoltStore keeps each conversation as one JSON document, grouped as
// owners/<owner>/<collection>/<session id>, the same shape a document database uses.
type BoltStore struct {
	db *bolt.DB
}

// boltDoc is the stored form of a record; Touched orders documents by recency.
type boltDoc struct {
	ConversationRecord
	Touched uint64 `json:"touched"`
}

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		path = filepath.Join("data", "tutor.bolt")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketEmails, bucketOwners} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *BoltStore) CreateUser(_ context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.Provider == "" {
		u.Provider = "password"
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		key := []byte(strings.ToLower(u.Email))
		if emails.Get(key) != nil {
			return ErrEmailTaken
		}
		enc, err := json.Marshal(struct {
			User
			PasswordHash string `json:"password_hash"`
		}{*u, u.PasswordHash})
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketUsers).Put([]byte(u.ID), enc); err != nil {
			return err
		}
		return emails.Put(key, []byte(u.ID))
	})
}

func (s *BoltStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEmails).Get([]byte(strings.ToLower(email)))
		if v == nil {
			return ErrNotFound
		}
		id = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

func (s *BoltStore) GetUserByID(_ context.Context, id string) (*User, error) {
	var u *User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var stored struct {
			User
			PasswordHash string `json:"password_hash"`
		}
		if err := json.Unmarshal(v, &stored); err != nil {
			return err
		}
		stored.User.PasswordHash = stored.PasswordHash
		u = &stored.User
		return nil
	})
	return u, err
}

func (s *BoltStore) GetOrCreateFederatedUser(ctx context.Context, email, displayName, provider string) (*User, error) {
	if u, err := s.GetUserByEmail(ctx, email); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u := &User{Email: email, DisplayName: displayName, Provider: provider}
	if err := s.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return s.GetUserByEmail(ctx, email)
		}
		return nil, err
	}
	return u, nil
}

// collection returns the bucket holding owner's documents of kind, creating it when create is set.
func collection(tx *bolt.Tx, owner string, kind Kind, create bool) (*bolt.Bucket, error) {
	owners := tx.Bucket(bucketOwners)
	if !create {
		ob := owners.Bucket([]byte(owner))
		if ob == nil {
			return nil, nil
		}
		return ob.Bucket([]byte(kind.Collection())), nil
	}
	ob, err := owners.CreateBucketIfNotExists([]byte(owner))
	if err != nil {
		return nil, err
	}
	return ob.CreateBucketIfNotExists([]byte(kind.Collection()))
}

func (s *BoltStore) CreateSession(_ context.Context, owner string, kind Kind, title string) (string, error) {
	if err := checkScope(owner, kind); err != nil {
		return "", err
	}
	if title == "" {
		title = kind.Placeholder()
	}
	now := time.Now().UTC()
	doc := boltDoc{ConversationRecord: ConversationRecord{
		ID:        uuid.NewString(),
		OwnerID:   owner,
		Kind:      kind,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []Message{},
	}}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := collection(tx, owner, kind, true)
		if err != nil {
			return err
		}
		return putDoc(b, &doc)
	})
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

func putDoc(b *bolt.Bucket, doc *boltDoc) error {
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	doc.Touched = seq
	enc, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return b.Put([]byte(doc.ID), enc)
}

func getDoc(b *bolt.Bucket, id string) (*boltDoc, error) {
	if b == nil {
		return nil, ErrNotFound
	}
	v := b.Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var doc boltDoc
	if err := json.Unmarshal(v, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// AppendMessages runs inside one bolt write transaction, so the read-append-write cycle is atomic.
func (s *BoltStore) AppendMessages(_ context.Context, owner string, kind Kind, id string, msgs ...Message) error {
	if err := checkScope(owner, kind); err != nil {
		return err
	}
	prepared, err := prepareMessages(msgs)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := collection(tx, owner, kind, false)
		if err != nil {
			return err
		}
		doc, err := getDoc(b, id)
		if err != nil {
			return err
		}
		doc.Title, _ = nextTitle(kind, doc.Title, len(doc.Messages), prepared)
		doc.Messages = append(doc.Messages, prepared...)
		doc.UpdatedAt = time.Now().UTC()
		return putDoc(b, doc)
	})
}

func (s *BoltStore) GetSession(_ context.Context, owner string, kind Kind, id string) (*ConversationRecord, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	var rec *ConversationRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := collection(tx, owner, kind, false)
		if err != nil {
			return err
		}
		doc, err := getDoc(b, id)
		if err != nil {
			return err
		}
		if doc.Messages == nil {
			doc.Messages = []Message{}
		}
		rec = &doc.ConversationRecord
		return nil
	})
	return rec, err
}

func (s *BoltStore) ListRecent(_ context.Context, owner string, kind Kind, limit int) ([]Summary, error) {
	if err := checkScope(owner, kind); err != nil {
		return nil, err
	}
	var docs []boltDoc
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := collection(tx, owner, kind, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var doc boltDoc
			if e := json.Unmarshal(v, &doc); e != nil {
				// Skip malformed entries instead of failing the whole listing
				return nil
			}
			doc.Messages = nil
			docs = append(docs, doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Touched > docs[j].Touched })
	out := []Summary{}
	for i := 0; i < len(docs) && i < recentLimit(limit); i++ {
		out = append(out, Summary{ID: docs[i].ID, Title: docs[i].Title, UpdatedAt: docs[i].UpdatedAt})
	}
	return out, nil
}
