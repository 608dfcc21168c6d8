package storage

import (
	"context"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// BlobStore keeps attachment contents in a single blob container.
type BlobStore struct {
	client    *azblob.Client
	container string
}

// NewBlobStore connects to the attachments container.
func NewBlobStore(connStr, container string) (*BlobStore, error) {
	opts := azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   retryStatusCodes,
			},
		},
	}
	client, err := azblob.NewClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &BlobStore{client: client, container: container}, nil
}

func (b *BlobStore) Upload(ctx context.Context, name string, r io.Reader, contentType string) error {
	var opts azblob.UploadStreamOptions
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	_, err := b.client.UploadStream(ctx, b.container, name, r, &opts)
	return err
}

func (b *BlobStore) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, name, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete treats a missing blob as already deleted.
func (b *BlobStore) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, name, nil)
	if err != nil && bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return err
}
