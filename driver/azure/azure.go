// Package azure provides a filezoom backend over an Azure Blob Storage
// container. It shares the object-store directory model of the s3 driver.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/objectstore"
)

// API is the subset of container calls the adapter makes. The pager
// methods match *container.Client; NewAPI binds one.
type API interface {
	NewListBlobsFlatPager(o *container.ListBlobsFlatOptions) *runtime.Pager[container.ListBlobsFlatResponse]
	NewListBlobsHierarchyPager(delimiter string, o *container.ListBlobsHierarchyOptions) *runtime.Pager[container.ListBlobsHierarchyResponse]
	BlobProperties(ctx context.Context, name string) (blob.GetPropertiesResponse, error)
	Download(ctx context.Context, name string) (io.ReadCloser, error)
	Upload(ctx context.Context, name string, body io.Reader, contentType string) error
	Delete(ctx context.Context, name string) error
	// Copy returns once the copy has finished.
	Copy(ctx context.Context, from, to string) error
}

// copyPoll is how often Copy checks a pending server-side copy.
const copyPoll = 200 * time.Millisecond

type containerAPI struct {
	*container.Client
}

// NewAPI binds client to a container.
func NewAPI(client *azblob.Client, containerName string) API {
	return containerAPI{client.ServiceClient().NewContainerClient(containerName)}
}

func (c containerAPI) BlobProperties(ctx context.Context, name string) (blob.GetPropertiesResponse, error) {
	return c.NewBlobClient(name).GetProperties(ctx, nil)
}

func (c containerAPI) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := c.NewBlobClient(name).DownloadStream(ctx, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Upload stages blocks and commits them at the end; a failed upload leaves
// the blob as it was.
func (c containerAPI) Upload(ctx context.Context, name string, body io.Reader, contentType string) error {
	_, err := c.NewBlockBlobClient(name).UploadStream(ctx, body, &blockblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	return err
}

func (c containerAPI) Delete(ctx context.Context, name string) error {
	_, err := c.NewBlobClient(name).Delete(ctx, nil)
	return err
}

// Copy starts a server-side copy from a blob of the same account, which
// the shared key authorizes, and waits for it to settle.
func (c containerAPI) Copy(ctx context.Context, from, to string) error {
	dst := c.NewBlobClient(to)
	resp, err := dst.StartCopyFromURL(ctx, c.NewBlobClient(from).URL(), nil)
	if err != nil {
		return err
	}
	status := resp.CopyStatus
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPoll):
		}
		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copy of %s ended %s", from, *status)
	}
	return nil
}

// Adapter provides an Azure Blob Storage implementation of filezoom.Backend
type Adapter struct {
	*objectstore.Backend
}

// AdapterOption is a function that configures Adapter
type AdapterOption = objectstore.Option

// WithPrefix roots the backend at a blob name prefix.
func WithPrefix(prefix string) AdapterOption {
	return objectstore.WithPrefix(prefix)
}

// WithPollInterval sets how often Watch lists the directory.
func WithPollInterval(d time.Duration) AdapterOption {
	return objectstore.WithPollInterval(d)
}

// New creates a new Azure adapter
func New(api API, options ...AdapterOption) *Adapter {
	return &Adapter{objectstore.New(store{api}, options...)}
}

type store struct {
	api API
}

func (s store) Head(ctx context.Context, key string) (objectstore.Object, error) {
	props, err := s.api.BlobProperties(ctx, key)
	if err != nil {
		return objectstore.Object{}, err
	}
	obj := objectstore.Object{Key: key}
	if props.ContentLength != nil {
		obj.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		obj.ModTime = *props.LastModified
	}
	return obj, nil
}

func blobItem(bi *container.BlobItem) objectstore.Item {
	item := objectstore.Item{Object: objectstore.Object{Key: *bi.Name}}
	if bi.Properties != nil {
		if bi.Properties.ContentLength != nil {
			item.Size = *bi.Properties.ContentLength
		}
		if bi.Properties.LastModified != nil {
			item.ModTime = *bi.Properties.LastModified
		}
	}
	return item
}

func (s store) List(ctx context.Context, prefix string, delimited bool, limit int) iter.Seq2[objectstore.Item, error] {
	var maxResults *int32
	if limit > 0 {
		n := int32(limit)
		maxResults = &n
	}
	if delimited {
		return s.listHierarchy(ctx, prefix, maxResults)
	}
	return func(yield func(objectstore.Item, error) bool) {
		pager := s.api.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix, MaxResults: maxResults})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				yield(objectstore.Item{}, err)
				return
			}
			if resp.Segment == nil {
				continue
			}
			for _, bi := range resp.Segment.BlobItems {
				if bi.Name == nil {
					continue
				}
				if !yield(blobItem(bi), nil) {
					return
				}
			}
		}
	}
}

func (s store) listHierarchy(ctx context.Context, prefix string, maxResults *int32) iter.Seq2[objectstore.Item, error] {
	return func(yield func(objectstore.Item, error) bool) {
		pager := s.api.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &prefix, MaxResults: maxResults})
		for pager.More() {
			resp, err := pager.NextPage(ctx)
			if err != nil {
				yield(objectstore.Item{}, err)
				return
			}
			if resp.Segment == nil {
				continue
			}
			for _, bp := range resp.Segment.BlobPrefixes {
				if bp.Name == nil {
					continue
				}
				if !yield(objectstore.Item{Object: objectstore.Object{Key: *bp.Name}, Prefix: true}, nil) {
					return
				}
			}
			for _, bi := range resp.Segment.BlobItems {
				if bi.Name == nil {
					continue
				}
				if !yield(blobItem(bi), nil) {
					return
				}
			}
		}
	}
}

func (s store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.api.Download(ctx, key)
}

func (s store) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	return s.api.Upload(ctx, key, body, contentType)
}

func (s store) Delete(ctx context.Context, key string) error {
	return s.api.Delete(ctx, key)
}

func (s store) Copy(ctx context.Context, from, to string) error {
	return s.api.Copy(ctx, from, to)
}

// Err maps Azure errors to filezoom errors
func (s store) Err(err error) error {
	var (
		respErr *azcore.ResponseError
		opErr   *net.OpError
	)
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return filezoom.ErrNotFound
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		return fmt.Errorf("%w: container not found", filezoom.ErrBackendUnavailable)
	case errors.As(err, &opErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", filezoom.ErrConnectionLost, err)
	case errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound:
		return filezoom.ErrNotFound
	case errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden:
		return filezoom.ErrPermissionDenied
	}
	return err
}

var (
	_ filezoom.Backend  = (*Adapter)(nil)
	_ filezoom.CanWatch = (*Adapter)(nil)
)
