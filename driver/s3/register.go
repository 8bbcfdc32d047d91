package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("s3", createBackend)
}

func createBackend(d filezoom.Descriptor) (filezoom.Backend, error) {
	bucket := d.Option("bucket", "")
	if bucket == "" {
		return nil, fmt.Errorf("s3: option bucket is required")
	}
	poll, err := d.IntOption("poll_seconds", 30)
	if err != nil {
		return nil, err
	}

	client, err := createClient(d)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return New(client, bucket,
		WithPrefix(d.Option("prefix", "")),
		WithPollInterval(time.Duration(poll)*time.Second),
	), nil
}

// createClient creates an S3 client from descriptor options
func createClient(d filezoom.Descriptor) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(d.Option("region", "us-east-1")),
	)
	if err != nil {
		return nil, err
	}

	// Override with explicit credentials if provided
	accessKey, secretKey := d.Option("access_key_id", ""), d.Option("secret_access_key", "")
	if accessKey != "" && secretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	}

	pathStyle, err := d.BoolOption("force_path_style", false)
	if err != nil {
		return nil, err
	}
	endpoint := d.Option("endpoint", "")

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = pathStyle
	}), nil
}
