// ledger/ledger.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package ledger records which chunk sets have been uploaded, so that
// chunks can be removed from the remote even after the local copies are
// gone, and so that unchanged items don't need their container size
// recomputed on every run.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	dslvl "github.com/ipfs/go-ds-leveldb"
)

const itemsPrefix = "/items"

// Chunk is one uploaded chunk.
type Chunk struct {
	Name string
	Size int64
}

// Record describes the chunk set of one item as last uploaded.
type Record struct {
	// Path is the item's path relative to the backup root.
	Path          string
	SourceSize    int64
	SourceModTime time.Time
	ChunkSize     int64
	PayloadSize   int64
	Style         string
	RemoteDir     string
	Chunks        []Chunk
	Parity        bool
	// Pending lists remote paths whose deletion failed and is retried
	// by the next run.
	Pending  []string `json:",omitempty"`
	Uploaded time.Time
}

// Ledger is a persistent map from item paths to Records.
type Ledger struct {
	store ds.Datastore
}

// Open opens (creating if necessary) the LevelDB ledger at path.
func Open(path string) (*Ledger, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Ledger{store: store}, nil
}

// NewMemory returns a Ledger that is not persisted.
func NewMemory() *Ledger {
	return &Ledger{store: dssync.MutexWrap(ds.NewMapDatastore())}
}

func (l *Ledger) Close() error {
	return l.store.Close()
}

func key(path string) ds.Key {
	return ds.NewKey(itemsPrefix).ChildString(strings.TrimPrefix(path, "/"))
}

// Get returns the record for path, or nil if there is none.
func (l *Ledger) Get(ctx context.Context, path string) (*Record, error) {
	b, err := l.store.Get(ctx, key(path))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &r, nil
}

func (l *Ledger) Put(ctx context.Context, r *Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return l.store.Put(ctx, key(r.Path), b)
}

func (l *Ledger) Delete(ctx context.Context, path string) error {
	err := l.store.Delete(ctx, key(path))
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	return err
}

// All returns every record, in no particular order.
func (l *Ledger) All(ctx context.Context) ([]*Record, error) {
	res, err := l.store.Query(ctx, dsq.Query{Prefix: itemsPrefix})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var records []*Record
	for {
		e, ok := res.NextSync()
		if !ok {
			break
		}
		if e.Error != nil {
			return nil, e.Error
		}
		var r Record
		if err := json.Unmarshal(e.Value, &r); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Key, err)
		}
		records = append(records, &r)
	}
	return records, nil
}
