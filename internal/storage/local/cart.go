// Package local implements a cart store on the local file system, for single
// instance deployments and development.
package local

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

var _ cart.Store = (*CartStore)(nil)

// CartStore keeps one file per cart key under a directory. Writes replace the
// file atomically.
type CartStore struct {
	dir string
	mu  sync.Mutex
}

// NewCartStore creates dir if needed and returns a store writing into it.
func NewCartStore(dir string) (*CartStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create cart dir")
	}
	return &CartStore{dir: dir}, nil
}

func (s *CartStore) path(key string) string {
	return filepath.Join(s.dir, url.PathEscape(key)+".json")
}

// Load returns the record stored under key.
func (s *CartStore) Load(_ context.Context, key string) (cart.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key)
}

func (s *CartStore) load(key string) (cart.Record, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cart.Record{}, cart.ErrNotFound
		}
		return cart.Record{}, errors.Wrapf(err, "read cart %q", key)
	}

	var rec cart.Record
	err = jx.DecodeBytes(data).Obj(func(d *jx.Decoder, k string) error {
		var err error
		switch k {
		case "version":
			rec.Version, err = d.Int64()
		case "data":
			rec.Data, err = d.Base64()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return cart.Record{}, errors.Wrapf(err, "decode cart file %q", key)
	}
	return rec, nil
}

// Save writes rec when its version is newer than the stored one.
func (s *CartStore) Save(_ context.Context, key string, rec cart.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load(key)
	switch {
	case errors.Is(err, cart.ErrNotFound):
	case err != nil:
		// An unreadable file is replaced.
	case current.Version >= rec.Version:
		return &cart.StaleWriteError{Key: key, Current: current.Version}
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	e.Obj(func(e *jx.Encoder) {
		e.Field("version", func(e *jx.Encoder) { e.Int64(rec.Version) })
		e.Field("data", func(e *jx.Encoder) { e.Base64(rec.Data) })
	})

	tmp, err := os.CreateTemp(s.dir, ".cart-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(e.Bytes()); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "write cart %q", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "sync cart %q", key)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close cart %q", key)
	}
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		return errors.Wrapf(err, "replace cart %q", key)
	}
	return nil
}
