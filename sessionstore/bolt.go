package sessionstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	nblocks "github.com/nebulr-group/nblocks-go"
	bolt "go.etcd.io/bbolt"
)

// SessionIDCookie carries the BoltStore session id.
const SessionIDCookie = "nblocks_sid"

var sessionsBucket = []byte("sessions")

var _ nblocks.SessionStore = (*BoltStore)(nil)

// BoltStore keeps token pairs server side in a bbolt database. The client
// only holds a random session id; the database is keyed by its SHA-256 so a
// copy of the file does not reveal live cookies. Every Save issues a new id.
type BoltStore struct {
	db   *bolt.DB
	opts Options
	now  func() time.Time
}

type boltRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	Expires      time.Time `json:"expires"`
}

// OpenBoltStore opens (creating if needed) the database at path.
func OpenBoltStore(path string, opts Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}

	return &BoltStore{
		db:   db,
		opts: opts.withDefaults(),
		now:  time.Now,
	}, nil
}

func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Load returns an empty pair when the request has no id, or the id is
// unknown or expired.
func (b *BoltStore) Load(r *http.Request) (*nblocks.TokenPair, error) {
	sid := cookieValue(r, SessionIDCookie)
	if sid == "" {
		return &nblocks.TokenPair{}, nil
	}

	var rec *boltRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get(hashID(sid))
		if v == nil {
			return nil
		}
		rec = &boltRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	if rec == nil || !b.now().Before(rec.Expires) {
		return &nblocks.TokenPair{}, nil
	}

	return &nblocks.TokenPair{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		IDToken:      rec.IDToken,
	}, nil
}

func (b *BoltStore) Save(w http.ResponseWriter, r *http.Request, tokens *nblocks.TokenPair) error {
	sid, err := newSessionID()
	if err != nil {
		return err
	}

	now := b.now()
	rec, err := json.Marshal(&boltRecord{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
		Expires:      now.Add(b.opts.RefreshTTL),
	})
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	old := cookieValue(r, SessionIDCookie)
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(sessionsBucket)
		if old != "" {
			if err := bkt.Delete(hashID(old)); err != nil {
				return err
			}
		}
		return bkt.Put(hashID(sid), rec)
	})
	if err != nil {
		return fmt.Errorf("writing session: %w", err)
	}

	http.SetCookie(w, b.opts.cookie(SessionIDCookie, sid, b.opts.RefreshTTL, now))
	return nil
}

func (b *BoltStore) Clear(w http.ResponseWriter, r *http.Request) error {
	if sid := cookieValue(r, SessionIDCookie); sid != "" {
		err := b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(sessionsBucket).Delete(hashID(sid))
		})
		if err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
	}
	http.SetCookie(w, b.opts.expired(SessionIDCookie))
	return nil
}

// GarbageCollect deletes expired sessions, returning how many were removed.
func (b *BoltStore) GarbageCollect() (int, error) {
	now := b.now()
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err == nil && now.Before(rec.Expires) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// StartGarbageCollection runs GarbageCollect every frequency until ctx is
// done. onRun, if set, is told the result of each run.
func (b *BoltStore) StartGarbageCollection(ctx context.Context, frequency time.Duration, onRun func(removed int, err error)) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(frequency):
				n, err := b.GarbageCollect()
				if onRun != nil {
					onRun(n, err)
				}
			}
		}
	}()
}

func hashID(sid string) []byte {
	h := sha256.Sum256([]byte(sid))
	return h[:]
}

func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
