// Package qindex implements the local index cache (SPEC_FULL §2.20):
// a badger-backed embedded KV store that mirrors token->path and
// tth->token-list relationships already owned by pkg/queue.FileQueue.
//
// It exists purely as a crash-fast-path cache: on startup the daemon
// can answer "what token did we assign this path last time" and
// "which tokens share this TTH" without waiting for the full XML
// snapshot (pkg/persist) to load and reconstruct every QueuedFile.
// The XML snapshot remains the single durable source of truth (§4.12,
// §6.4); qindex is rebuilt lazily from it and is safe to delete.
package qindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/dcqueue/qengine/pkg/metrics"
	"github.com/dcqueue/qengine/pkg/tth"
)

// key prefixes, mirroring the style of the teacher's badger-backed
// metadata store (short "xxx:" string prefix followed by the key
// components).
const (
	prefixToken = "tok:" // tok:<token big-endian>       -> path
	prefixPath  = "pth:" // pth:<path>                    -> token big-endian
	prefixTTH   = "tth:" // tth:<tth base32>:<token>      -> empty
)

// ErrNotFound is returned when a lookup key is absent from the index.
var ErrNotFound = errors.New("qindex: not found")

// Index is a crash-fast-path cache over badger. A nil *Index is not
// valid; callers that want the cache disabled should simply not
// construct one and skip calling it, mirroring the nil-safe pattern
// used by pkg/metrics.
type Index struct {
	db      *badger.DB
	metrics metrics.IndexMetrics
}

// Open opens (creating if necessary) a badger database rooted at dir.
// Pass metrics.NewIndexMetrics() (which itself may be nil) to record
// hit/miss ratios; a nil IndexMetrics value is always safe.
func Open(dir string, im metrics.IndexMetrics) (*Index, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("qindex: open %s: %w", dir, err)
	}
	return &Index{db: db, metrics: im}, nil
}

// Close releases the underlying badger database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func tokenKey(token uint32) []byte {
	b := make([]byte, len(prefixToken)+4)
	copy(b, prefixToken)
	binary.BigEndian.PutUint32(b[len(prefixToken):], token)
	return b
}

func pathKey(path string) []byte {
	return []byte(prefixPath + path)
}

func tthKey(t tth.TTH, token uint32) []byte {
	return []byte(prefixTTH + t.String() + ":" + strconv.FormatUint(uint64(token), 10))
}

func tthPrefix(t tth.TTH) []byte {
	return []byte(prefixTTH + t.String() + ":")
}

// Put records the token<->path mapping and one tth->token membership
// entry, all in a single badger transaction.
func (idx *Index) Put(token uint32, path string, t tth.TTH) error {
	return idx.db.Update(func(txn *badger.Txn) error {
		pathBytes := []byte(path)
		if err := txn.Set(tokenKey(token), pathBytes); err != nil {
			return err
		}
		tokBytes := make([]byte, 4)
		binary.BigEndian.PutUint32(tokBytes, token)
		if err := txn.Set(pathKey(path), tokBytes); err != nil {
			return err
		}
		return txn.Set(tthKey(t, token), nil)
	})
}

// Delete removes every entry previously written by Put for this
// (token, path, tth) triple.
func (idx *Index) Delete(token uint32, path string, t tth.TTH) error {
	return idx.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(tokenKey(token)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Delete(pathKey(path)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(tthKey(t, token))
	})
}

// PathForToken looks up the path last recorded for token.
func (idx *Index) PathForToken(token uint32) (string, error) {
	var path string
	err := idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tokenKey(token))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			path = string(val)
			return nil
		})
	})
	idx.record("token", err)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	return path, err
}

// TokenForPath looks up the token last recorded for path.
func (idx *Index) TokenForPath(path string) (uint32, error) {
	var token uint32
	err := idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pathKey(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			token = binary.BigEndian.Uint32(val)
			return nil
		})
	})
	idx.record("path", err)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	return token, err
}

// TokensForTTH returns every token previously recorded as sharing t.
func (idx *Index) TokensForTTH(t tth.TTH) ([]uint32, error) {
	var tokens []uint32
	err := idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := tthPrefix(t)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			idStr := key[strings.LastIndex(key, ":")+1:]
			n, err := strconv.ParseUint(idStr, 10, 32)
			if err != nil {
				continue
			}
			tokens = append(tokens, uint32(n))
		}
		return nil
	})
	if err != nil {
		idx.record("tth", err)
		return nil, err
	}
	if len(tokens) == 0 {
		idx.record("tth", badger.ErrKeyNotFound)
		return nil, ErrNotFound
	}
	idx.record("tth", nil)
	return tokens, nil
}

func (idx *Index) record(kind string, err error) {
	if idx.metrics == nil {
		return
	}
	if err == nil {
		idx.metrics.RecordCacheHit(kind)
	} else {
		idx.metrics.RecordCacheMiss(kind)
	}
}
