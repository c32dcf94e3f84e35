package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"relayd/pkg/logger"
)

// URLScheme prefixes URLs minted by the pebble provider.
const URLScheme = "relayd+pebble://"

// seq reduces key collisions when multiple blobs share a nanosecond
// timestamp.
var seq uint64

// PebbleProvider stores blobs in a local Pebble database. Keys are
// "blob:<name>:<unix_nano_padded>-<seq>" so blobs for one name list in
// insertion order.
type PebbleProvider struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the blob database at path.
func OpenPebble(path string) (*PebbleProvider, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("blob_store_open_failed", "path", path, "error", err)
		return nil, err
	}
	logger.Info("blob_store_opened", "path", path)
	return &PebbleProvider{db: db}, nil
}

func (p *PebbleProvider) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

func (p *PebbleProvider) Upload(_ context.Context, name string, data []byte) (string, error) {
	if p.db == nil {
		return "", fmt.Errorf("blob store not opened")
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	key := fmt.Sprintf("blob:%s:%020d-%06d", name, ts, s)
	if err := p.db.Set([]byte(key), data, pebble.Sync); err != nil {
		logger.Error("blob_upload_failed", "key", key, "error", err)
		return "", err
	}
	logger.Debug("blob_uploaded", "key", key, "bytes", len(data))
	return URLScheme + key, nil
}

func (p *PebbleProvider) Download(_ context.Context, url string) ([]byte, error) {
	if p.db == nil {
		return nil, fmt.Errorf("blob store not opened")
	}
	key, ok := strings.CutPrefix(url, URLScheme)
	if !ok {
		return nil, fmt.Errorf("unsupported blob URL %q", url)
	}
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("blob %q not found", url)
		}
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}
