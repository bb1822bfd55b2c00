package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// bucket is the part of a storage bucket the backend uses. get reports a
// missing object as storage.ErrObjectNotExist.
type bucket interface {
	get(ctx context.Context, key string) ([]byte, error)
	put(ctx context.Context, key string, p []byte) error
	remove(ctx context.Context, key string) error
	keys(ctx context.Context, prefix string) ([]string, error)
}

type gcsBucket struct {
	b *storage.BucketHandle
}

func (g *gcsBucket) get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.b.Object(key).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (g *gcsBucket) put(ctx context.Context, key string, p []byte) error {
	w := g.b.Object(key).NewWriter(ctx)
	if _, err := w.Write(p); err != nil {
		w.Close()
		return fmt.Errorf("unable to write [%s]: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("unable to close writer for [%s]: %w", key, err)
	}
	return nil
}

func (g *gcsBucket) remove(ctx context.Context, key string) error {
	return g.b.Object(key).Delete(ctx)
}

func (g *gcsBucket) keys(ctx context.Context, prefix string) ([]string, error) {
	q := &storage.Query{Prefix: prefix}
	if err := q.SetAttrSelection([]string{"Name"}); err != nil {
		return nil, fmt.Errorf("unable to set attribute selection: %w", err)
	}

	var keys []string
	it := g.b.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("unable to iterate: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// bandCache holds band contents already fetched or written.
// TODO: evict least recently used bands once images get larger than memory.
type bandCache struct {
	l sync.Mutex
	c map[uint64][]byte
}

func newBandCache() *bandCache {
	return &bandCache{c: map[uint64][]byte{}}
}

func (bc *bandCache) get(idx uint64) ([]byte, bool) {
	bc.l.Lock()
	defer bc.l.Unlock()
	b, ok := bc.c[idx]
	return b, ok
}

func (bc *bandCache) put(idx uint64, b []byte) {
	bc.l.Lock()
	bc.c[idx] = b
	bc.l.Unlock()
}
