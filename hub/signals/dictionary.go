// Copyright (C) 2025 Signalhub Inc.
// See LICENSE for copying information.

package signals

import (
	"context"
	"strings"
	"sync"
)

// nullSentinel stands in for NULL segment values inside cache keys; it
// matches the coalescing sentinel of the store's unique index.
const nullSentinel = "\x01"

// Dictionary is a concurrent in-process cache in front of the durable
// segment dictionary. Codes never change once assigned, so cached entries
// are valid for the life of the loader.
type Dictionary struct {
	db SegmentsDB

	mu     sync.Mutex
	cached map[string]map[string]int64 // loaderCode -> tuple key -> code
}

// NewDictionary creates a dictionary over the durable store.
func NewDictionary(db SegmentsDB) *Dictionary {
	return &Dictionary{db: db, cached: map[string]map[string]int64{}}
}

// Intern returns the stable segment code for the tuple.
func (d *Dictionary) Intern(ctx context.Context, loaderCode string, segments SegmentTuple) (int64, error) {
	key := tupleKey(segments)

	d.mu.Lock()
	if codes, ok := d.cached[loaderCode]; ok {
		if code, ok := codes[key]; ok {
			d.mu.Unlock()
			return code, nil
		}
	}
	d.mu.Unlock()

	code, err := d.db.Intern(ctx, loaderCode, segments)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	codes, ok := d.cached[loaderCode]
	if !ok {
		codes = map[string]int64{}
		d.cached[loaderCode] = codes
	}
	codes[key] = code
	d.mu.Unlock()
	return code, nil
}

// Forget drops the cached codes of the loader; used when a loader is removed.
func (d *Dictionary) Forget(loaderCode string) {
	d.mu.Lock()
	delete(d.cached, loaderCode)
	d.mu.Unlock()
}

func tupleKey(segments SegmentTuple) string {
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteByte('\x00')
		}
		if s == nil {
			b.WriteString(nullSentinel)
		} else {
			b.WriteString(*s)
		}
	}
	return b.String()
}
