// Package gcs provides a filezoom backend over a Google Cloud Storage
// bucket. It shares the object-store directory model of the s3 driver.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/objectstore"
)

// API is the subset of Cloud Storage calls the adapter makes on one
// bucket. NewAPI binds a *storage.Client.
type API interface {
	Attrs(ctx context.Context, key string) (*storage.ObjectAttrs, error)
	Objects(ctx context.Context, q *storage.Query) ObjectIterator
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)
	// NewWriter starts an upload. Cancelling ctx before Close discards it.
	NewWriter(ctx context.Context, key, contentType string) io.WriteCloser
	Delete(ctx context.Context, key string) error
	Copy(ctx context.Context, from, to string) error
}

// ObjectIterator yields listing results until it returns iterator.Done.
// *storage.ObjectIterator satisfies it.
type ObjectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

type bucketAPI struct {
	bkt *storage.BucketHandle
}

// NewAPI binds client to bucket.
func NewAPI(client *storage.Client, bucket string) API {
	return bucketAPI{bkt: client.Bucket(bucket)}
}

func (b bucketAPI) Attrs(ctx context.Context, key string) (*storage.ObjectAttrs, error) {
	return b.bkt.Object(key).Attrs(ctx)
}

func (b bucketAPI) Objects(ctx context.Context, q *storage.Query) ObjectIterator {
	return b.bkt.Objects(ctx, q)
}

func (b bucketAPI) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return b.bkt.Object(key).NewReader(ctx)
}

func (b bucketAPI) NewWriter(ctx context.Context, key, contentType string) io.WriteCloser {
	w := b.bkt.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	return w
}

func (b bucketAPI) Delete(ctx context.Context, key string) error {
	return b.bkt.Object(key).Delete(ctx)
}

func (b bucketAPI) Copy(ctx context.Context, from, to string) error {
	_, err := b.bkt.Object(to).CopierFrom(b.bkt.Object(from)).Run(ctx)
	return err
}

// Adapter provides a Google Cloud Storage implementation of filezoom.Backend
type Adapter struct {
	*objectstore.Backend
}

// AdapterOption is a function that configures Adapter
type AdapterOption = objectstore.Option

// WithPrefix roots the backend at an object name prefix.
func WithPrefix(prefix string) AdapterOption {
	return objectstore.WithPrefix(prefix)
}

// WithPollInterval sets how often Watch lists the directory.
func WithPollInterval(d time.Duration) AdapterOption {
	return objectstore.WithPollInterval(d)
}

// New creates a new GCS adapter
func New(api API, options ...AdapterOption) *Adapter {
	return &Adapter{objectstore.New(store{api}, options...)}
}

type store struct {
	api API
}

func (s store) Head(ctx context.Context, key string) (objectstore.Object, error) {
	attrs, err := s.api.Attrs(ctx, key)
	if err != nil {
		return objectstore.Object{}, err
	}
	return objectstore.Object{Key: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated}, nil
}

// List ignores limit; the iterator pages on its own.
func (s store) List(ctx context.Context, prefix string, delimited bool, _ int) iter.Seq2[objectstore.Item, error] {
	return func(yield func(objectstore.Item, error) bool) {
		q := &storage.Query{Prefix: prefix}
		if delimited {
			q.Delimiter = "/"
		}
		it := s.api.Objects(ctx, q)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(objectstore.Item{}, err)
				return
			}
			var item objectstore.Item
			if attrs.Prefix != "" {
				item = objectstore.Item{Object: objectstore.Object{Key: attrs.Prefix}, Prefix: true}
			} else {
				item = objectstore.Item{Object: objectstore.Object{Key: attrs.Name, Size: attrs.Size, ModTime: attrs.Updated}}
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (s store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.api.NewReader(ctx, key)
}

func (s store) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.api.NewWriter(ctx, key, contentType)
	if _, err := io.Copy(w, body); err != nil {
		cancel()
		w.Close()
		return err
	}
	return w.Close()
}

func (s store) Delete(ctx context.Context, key string) error {
	return s.api.Delete(ctx, key)
}

func (s store) Copy(ctx context.Context, from, to string) error {
	return s.api.Copy(ctx, from, to)
}

// Err maps GCS errors to filezoom errors
func (s store) Err(err error) error {
	var (
		apiErr *googleapi.Error
		opErr  *net.OpError
	)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
		return filezoom.ErrNotFound
	case errors.Is(err, storage.ErrBucketNotExist):
		return fmt.Errorf("%w: %v", filezoom.ErrBackendUnavailable, err)
	case errors.As(err, &opErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", filezoom.ErrConnectionLost, err)
	case errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound:
		return filezoom.ErrNotFound
	case errors.As(err, &apiErr) && (apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized):
		return filezoom.ErrPermissionDenied
	}
	return err
}

var (
	_ filezoom.Backend  = (*Adapter)(nil)
	_ filezoom.CanWatch = (*Adapter)(nil)
	_ ObjectIterator    = (*storage.ObjectIterator)(nil)
)
