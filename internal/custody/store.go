package custody

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"CollarLedger/internal/message"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketAgent   = []byte("agent")
	bucketActions = []byte("actions")
	keySnapshot   = []byte("snapshot")
)

// Snapshot is the agent's complete durable state.
type Snapshot struct {
	Registry  []message.Entry    `json:"registry"`
	Outbox    []message.Envelope `json:"outbox"`
	Loans     []LoanRecord       `json:"loans"`
	Accounts  []Account          `json:"accounts"`
	ActionSeq uint64             `json:"actionSeq"`
}

// Store persists agent state. Commit writes the snapshot and appends the
// signed actions in one transaction.
type Store interface {
	Load() (*Snapshot, error)
	Commit(snap *Snapshot, actions []SignedAction) error
	Actions(after uint64) ([]SignedAction, error)
	Close() error
}

func (a *Agent) snapshot() *Snapshot {
	snap := &Snapshot{
		Registry:  a.registry.Entries(),
		Outbox:    a.outbox.Since(0),
		ActionSeq: a.actionSeq,
	}
	for _, rec := range a.loans {
		snap.Loans = append(snap.Loans, *rec)
	}
	sort.Slice(snap.Loans, func(i, j int) bool { return snap.Loans[i].LoanID < snap.Loans[j].LoanID })
	for _, acct := range a.accounts {
		snap.Accounts = append(snap.Accounts, *acct.clone())
	}
	sort.Slice(snap.Accounts, func(i, j int) bool { return snap.Accounts[i].ID < snap.Accounts[j].ID })
	return snap
}

func (a *Agent) restore(snap *Snapshot) {
	a.registry.Restore(snap.Registry)
	a.outbox.Restore(snap.Outbox)
	a.loans = make(map[uint64]*LoanRecord, len(snap.Loans))
	for i := range snap.Loans {
		rec := snap.Loans[i]
		a.loans[rec.LoanID] = &rec
	}
	a.accounts = make(map[uint64]*Account, len(snap.Accounts))
	for i := range snap.Accounts {
		acct := snap.Accounts[i].clone()
		a.accounts[acct.ID] = acct
	}
	a.actionSeq = snap.ActionSeq
}

// BoltStore keeps the agent snapshot and the signed action log in a
// single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (and initialises) the store at path.
func OpenBoltStore(path string, options *bolt.Options) (*BoltStore, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("open custody store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAgent, bucketActions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init custody store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Load returns nil when nothing has been committed yet.
func (s *BoltStore) Load() (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAgent).Get(keySnapshot)
		if raw == nil {
			return nil
		}
		snap = &Snapshot{}
		return json.Unmarshal(raw, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("load custody snapshot: %w", err)
	}
	return snap, nil
}

func (s *BoltStore) Commit(snap *Snapshot, actions []SignedAction) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal custody snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAgent).Put(keySnapshot, raw); err != nil {
			return err
		}
		log := tx.Bucket(bucketActions)
		for _, act := range actions {
			payload, err := json.Marshal(act)
			if err != nil {
				return fmt.Errorf("marshal action %d: %w", act.Action.Seq, err)
			}
			if err := log.Put(seqKey(act.Action.Seq), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// Actions returns signed actions with seq greater than after, in order.
func (s *BoltStore) Actions(after uint64) ([]SignedAction, error) {
	var out []SignedAction
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		for k, v := c.Seek(seqKey(after + 1)); k != nil; k, v = c.Next() {
			var act SignedAction
			if err := json.Unmarshal(v, &act); err != nil {
				return fmt.Errorf("decode action %x: %w", k, err)
			}
			out = append(out, act)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}
