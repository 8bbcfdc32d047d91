package azure

import (
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/gobeaver/filezoom"
)

func init() {
	filezoom.RegisterDriver("azure", createBackend)
}

func createBackend(d filezoom.Descriptor) (filezoom.Backend, error) {
	account, key := d.Option("account_name", ""), d.Option("account_key", "")
	if account == "" || key == "" {
		return nil, fmt.Errorf("azure: options account_name and account_key are required")
	}
	containerName := d.Option("container", "")
	if containerName == "" {
		return nil, fmt.Errorf("azure: option container is required")
	}
	poll, err := d.IntOption("poll_seconds", 30)
	if err != nil {
		return nil, err
	}

	serviceURL := d.Option("endpoint", fmt.Sprintf("https://%s.blob.core.windows.net/", account))

	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}

	return New(NewAPI(client, containerName),
		WithPrefix(d.Option("prefix", "")),
		WithPollInterval(time.Duration(poll)*time.Second),
	), nil
}
