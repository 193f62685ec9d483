package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/nugget/triage-agent/internal/checkpoint"
)

// Key layout, per thread (thread ids are path-escaped so they cannot
// contain the separator):
//
//	thread/<id>/checkpoint      gzip checkpoint state
//	thread/<id>/id/<msgID>      sequence number of the message
//	thread/<id>/msg/<seq:%020d> JSON message
const (
	pebbleSchemaKey     = "meta/schema"
	pebbleSchemaVersion = "1"
)

// PebbleStore is a durable backend on an embedded LSM key-value store.
type PebbleStore struct {
	db      *pebble.DB
	writeMu sync.Mutex
	now     func() time.Time
}

// OpenPebbleStore opens (or creates) a store in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

func threadPrefix(threadID string) string {
	return "thread/" + url.PathEscape(threadID) + "/"
}

func msgKey(threadID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%smsg/%020d", threadPrefix(threadID), seq))
}

// Setup records the key layout version. A store written by a newer layout
// is refused.
func (s *PebbleStore) Setup(context.Context) error {
	v, closer, err := s.db.Get([]byte(pebbleSchemaKey))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		if err := s.db.Set([]byte(pebbleSchemaKey), []byte(pebbleSchemaVersion), pebble.Sync); err != nil {
			return storeErr("write schema version", err)
		}
		return nil
	case err != nil:
		return storeErr("read schema version", err)
	}
	got := string(v)
	closer.Close()
	if got != pebbleSchemaVersion {
		return storeErr("setup", fmt.Errorf("unsupported key layout version %q", got))
	}
	return nil
}

// get returns a copy of the value at key, or nil when absent.
func (s *PebbleStore) get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

// lastSeq returns the highest message sequence number in the thread, or 0.
func (s *PebbleStore) lastSeq(threadID string) (uint64, error) {
	prefix := threadPrefix(threadID) + "msg/"
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix[:len(prefix)-1] + "0"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	return strconv.ParseUint(strings.TrimPrefix(string(iter.Key()), prefix), 10, 64)
}

// Append implements Store.
func (s *PebbleStore) Append(_ context.Context, threadID string, msg Message) (Message, error) {
	now := s.now().UTC()
	msg, err := prepare(threadID, msg, now)
	if err != nil {
		return Message{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prefix := threadPrefix(threadID)
	idKey := []byte(prefix + "id/" + url.PathEscape(msg.ID))
	if existing, err := s.get(idKey); err != nil {
		return Message{}, storeErr("check message id", err)
	} else if existing != nil {
		return Message{}, duplicateErr(msg.ID)
	}

	blob, err := s.get([]byte(prefix + "checkpoint"))
	if err != nil {
		return Message{}, storeErr("read checkpoint", err)
	}
	state, err := checkpoint.Decode(blob)
	if err != nil {
		return Message{}, storeErr("decode checkpoint", err)
	}
	if err := advance(&state, msg, now); err != nil {
		return Message{}, err
	}
	if blob, err = checkpoint.Encode(state); err != nil {
		return Message{}, storeErr("encode checkpoint", err)
	}

	seq, err := s.lastSeq(threadID)
	if err != nil {
		return Message{}, storeErr("read sequence", err)
	}
	seq++

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message: %w", err)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(msgKey(threadID, seq), data, nil); err != nil {
		return Message{}, storeErr("batch message", err)
	}
	if err := b.Set(idKey, []byte(strconv.FormatUint(seq, 10)), nil); err != nil {
		return Message{}, storeErr("batch index", err)
	}
	if err := b.Set([]byte(prefix+"checkpoint"), blob, nil); err != nil {
		return Message{}, storeErr("batch checkpoint", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Message{}, storeErr("commit", err)
	}
	return msg, nil
}

// LoadCheckpoint implements Store.
func (s *PebbleStore) LoadCheckpoint(_ context.Context, threadID string) (*Checkpoint, error) {
	cp := &Checkpoint{ThreadID: threadID, Messages: []Message{}}

	// A snapshot keeps the message list and checkpoint consistent with
	// each other while an append commits concurrently.
	snap := s.db.NewSnapshot()
	defer snap.Close()

	prefix := threadPrefix(threadID)
	blob, closer, err := snap.Get([]byte(prefix + "checkpoint"))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
		return cp, nil
	case err != nil:
		return nil, storeErr("read checkpoint", err)
	}
	cp.State, err = checkpoint.Decode(blob)
	closer.Close()
	if err != nil {
		return nil, storeErr("decode checkpoint", err)
	}

	msgPrefix := prefix + "msg/"
	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: []byte(msgPrefix),
		UpperBound: []byte(prefix + "msg0"),
	})
	if err != nil {
		return nil, storeErr("iterate messages", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, storeErr("decode message", err)
		}
		cp.Messages = append(cp.Messages, m)
	}
	if err := iter.Error(); err != nil {
		return nil, storeErr("iterate messages", err)
	}
	return cp, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
