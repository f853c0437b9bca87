package trace

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/loomworks/loom/pkg/types"
	"github.com/loomworks/loom/pkg/wire"
)

var (
	bucketEnvelopes = []byte("envelopes")
	bucketMeta      = []byte("meta")
)

// Direction records which way an envelope crossed the transport.
type Direction byte

const (
	Sent     Direction = 1
	Received Direction = 2
)

func (d Direction) String() string {
	if d == Sent {
		return "sent"
	}
	return "received"
}

// Entry is one journalled envelope.
type Entry struct {
	Seq       uint64
	Direction Direction
	Peer      types.NodeID
	Envelope  *wire.Envelope
}

// Journal is an append-only record of every envelope a node sent or received,
// for post-mortem replay of its message history. It records traffic only;
// synchronization state is never restored from it.
type Journal struct {
	db      *bolt.DB
	session uuid.UUID
}

// Open creates or appends to the journal at path. Each run gets a fresh
// session id recorded in the meta bucket.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	session := uuid.New()
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEnvelopes); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		return meta.Put([]byte("session"), []byte(session.String()))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	return &Journal{db: db, session: session}, nil
}

// Session returns the id stamped on this run of the journal.
func (j *Journal) Session() uuid.UUID { return j.session }

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// Record appends one envelope. Entries are keyed by a monotone sequence
// number, so iteration replays traffic in the order the node saw it.
func (j *Journal) Record(dir Direction, peer types.NodeID, env *wire.Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEnvelopes)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		value := make([]byte, 0, 3+len(payload))
		value = append(value, byte(dir))
		value = binary.BigEndian.AppendUint16(value, uint16(peer))
		value = append(value, payload...)
		return b.Put(key, value)
	})
}

// Each replays journalled entries in sequence order. Returning an error from
// fn stops the walk.
func (j *Journal) Each(fn func(e Entry) error) error {
	return j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvelopes).ForEach(func(k, v []byte) error {
			if len(v) < 3 {
				return fmt.Errorf("corrupt journal entry %x", k)
			}
			env := &wire.Envelope{}
			if err := env.Unmarshal(v[3:]); err != nil {
				return fmt.Errorf("corrupt journal entry %x: %w", k, err)
			}
			return fn(Entry{
				Seq:       binary.BigEndian.Uint64(k),
				Direction: Direction(v[0]),
				Peer:      types.NodeID(binary.BigEndian.Uint16(v[1:3])),
				Envelope:  env,
			})
		})
	})
}
