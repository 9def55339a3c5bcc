package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// Azure serves az://container/blob URIs from one storage account.
type Azure struct {
	client *azblob.Client
}

var _ Backend = (*Azure)(nil)

// NewAzure creates an Azure backend with shared-key credentials, which SAS
// signing requires.
func NewAzure(accountName, accountKey string) (*Azure, error) {
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("azure account name and key are required")
	}
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}
	return &Azure{client: client}, nil
}

// Get implements Backend.
func (a *Azure) Get(ctx context.Context, container, blob string) ([]byte, error) {
	resp, err := a.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, notFound(container, blob)
		}
		return nil, fmt.Errorf("download az://%s/%s: %w", container, blob, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read az://%s/%s: %w", container, blob, err)
	}
	return data, nil
}

// Put implements Backend.
func (a *Azure) Put(ctx context.Context, container, blob string, data []byte) error {
	if _, err := a.client.UploadBuffer(ctx, container, blob, data, nil); err != nil {
		return fmt.Errorf("upload az://%s/%s: %w", container, blob, err)
	}
	return nil
}

// PresignGet implements Backend.
func (a *Azure) PresignGet(_ context.Context, container, blob string, expiry time.Duration) (string, error) {
	bc := a.client.ServiceClient().NewContainerClient(container).NewBlobClient(blob)
	u, err := bc.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(expiry), nil)
	if err != nil {
		return "", fmt.Errorf("generate SAS URL for az://%s/%s: %w", container, blob, err)
	}
	return u, nil
}
