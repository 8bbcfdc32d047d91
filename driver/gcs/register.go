package gcs

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("gcs", createBackend)
}

func createBackend(d filezoom.Descriptor) (filezoom.Backend, error) {
	bucket := d.Option("bucket", "")
	if bucket == "" {
		return nil, fmt.Errorf("gcs: option bucket is required")
	}
	poll, err := d.IntOption("poll_seconds", 30)
	if err != nil {
		return nil, err
	}
	anonymous, err := d.BoolOption("anonymous", false)
	if err != nil {
		return nil, err
	}

	// Without credentials_file the client uses GOOGLE_APPLICATION_CREDENTIALS
	// or the default credentials.
	var opts []option.ClientOption
	if file := d.Option("credentials_file", ""); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	if endpoint := d.Option("endpoint", ""); endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	if anonymous {
		opts = append(opts, option.WithoutAuthentication())
	}

	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return New(NewAPI(client, bucket),
		WithPrefix(d.Option("prefix", "")),
		WithPollInterval(time.Duration(poll)*time.Second),
	), nil
}
