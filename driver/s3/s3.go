// Package s3 provides a filezoom backend over an S3 bucket.
//
// Directories are key prefixes. A directory exists when an object lies
// below it or when its marker object ("dir/") is present; Mkdir writes the
// marker. Objects cannot be appended to and carry no permission model.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gobeaver/filezoom"
	"github.com/gobeaver/filezoom/internal/objectstore"
)

// API is the subset of the S3 client the adapter calls. *s3.Client
// satisfies it.
type API interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// Adapter provides an S3 implementation of filezoom.Backend
type Adapter struct {
	*objectstore.Backend
}

// AdapterOption is a function that configures Adapter
type AdapterOption = objectstore.Option

// WithPrefix roots the backend at a key prefix.
func WithPrefix(prefix string) AdapterOption {
	return objectstore.WithPrefix(prefix)
}

// WithPollInterval sets how often Watch lists the directory.
func WithPollInterval(d time.Duration) AdapterOption {
	return objectstore.WithPollInterval(d)
}

// New creates a new S3 adapter
func New(client API, bucket string, options ...AdapterOption) *Adapter {
	return &Adapter{objectstore.New(&store{client: client, bucket: bucket}, options...)}
}

// store binds the client to one bucket.
type store struct {
	client API
	bucket string
}

func (s *store) Head(ctx context.Context, key string) (objectstore.Object, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return objectstore.Object{}, err
	}
	return objectstore.Object{
		Key:     key,
		Size:    aws.ToInt64(resp.ContentLength),
		ModTime: aws.ToTime(resp.LastModified),
	}, nil
}

func (s *store) List(ctx context.Context, prefix string, delimited bool, limit int) iter.Seq2[objectstore.Item, error] {
	return func(yield func(objectstore.Item, error) bool) {
		in := &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		}
		if delimited {
			in.Delimiter = aws.String("/")
		}
		if limit > 0 {
			in.MaxKeys = aws.Int32(int32(limit))
		}
		paginator := s3.NewListObjectsV2Paginator(s.client, in)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(objectstore.Item{}, err)
				return
			}
			for _, cp := range page.CommonPrefixes {
				if !yield(objectstore.Item{Object: objectstore.Object{Key: aws.ToString(cp.Prefix)}, Prefix: true}, nil) {
					return
				}
			}
			for _, obj := range page.Contents {
				if !yield(objectstore.Item{Object: objectstore.Object{
					Key:     aws.ToString(obj.Key),
					Size:    aws.ToInt64(obj.Size),
					ModTime: aws.ToTime(obj.LastModified),
				}}, nil) {
					return
				}
			}
		}
	}
}

func (s *store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	return err
}

func (s *store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

// Copy uses the server-side CopyObject API, whose source is "bucket/key".
func (s *store) Copy(ctx context.Context, from, to string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + from),
		Key:        aws.String(to),
	})
	return err
}

// Err maps S3 errors to filezoom errors
func (s *store) Err(err error) error {
	var (
		nsk      *types.NoSuchKey
		notFound *types.NotFound
		noBucket *types.NoSuchBucket
		apiErr   smithy.APIError
		opErr    *net.OpError
	)
	switch {
	case errors.As(err, &nsk), errors.As(err, &notFound):
		return filezoom.ErrNotFound
	case errors.As(err, &noBucket):
		return fmt.Errorf("%w: %v", filezoom.ErrBackendUnavailable, err)
	case errors.As(err, &opErr), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", filezoom.ErrConnectionLost, err)
	case errors.As(err, &apiErr) && (apiErr.ErrorCode() == "AccessDenied" || apiErr.ErrorCode() == "Forbidden"):
		return filezoom.ErrPermissionDenied
	}
	return err
}

// Ensure Adapter implements interfaces
var (
	_ filezoom.Backend  = (*Adapter)(nil)
	_ filezoom.CanWatch = (*Adapter)(nil)
	_ API               = (*s3.Client)(nil)
)
