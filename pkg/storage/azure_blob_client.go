package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"
)

// maxAppendBlock is the largest block the service accepts in one AppendBlock call
const maxAppendBlock = 4 << 20

// AzureBlobStore implements Store on Azure Blob Storage using shared keys.
// Partition temp files are append blobs; final artifacts are block blobs.
// Works against local Azurite instances over HTTP.
type AzureBlobStore struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	mu            sync.Mutex
	containerInit bool
}

// NewAzureBlobStore creates a blob store from a standard connection string.
func NewAzureBlobStore(connectionString, containerName string, logger *zap.Logger) (*AzureBlobStore, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobStore{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
	}, nil
}

// Get downloads a blob as a stream. The path may also be a full blob URL.
func (a *AzureBlobStore) Get(ctx context.Context, reference string) (io.ReadCloser, error) {
	blobPath, err := a.extractBlobPath(reference)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.DownloadStream(ctx, a.containerName, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, notFound(blobPath)
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	return resp.Body, nil
}

// Put uploads the reader as a block blob in chunks, replacing any existing blob.
func (a *AzureBlobStore) Put(ctx context.Context, blobPath string, r io.Reader, size int64) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	_, err := a.client.UploadStream(ctx, a.containerName, blobPath, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr(contentType(blobPath)),
		},
	})
	if err != nil {
		a.logger.Error("Failed to upload to blob storage",
			zap.String("blob_path", blobPath),
			zap.Int64("size", size),
			zap.Error(err))
		return fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded blob", zap.String("blob_path", blobPath))
	return nil
}

// Append adds data to an append blob, creating the blob on first write.
func (a *AzureBlobStore) Append(ctx context.Context, blobPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	appendClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewAppendBlobClient(blobPath)

	for start := 0; start < len(data); start += maxAppendBlock {
		end := min(start+maxAppendBlock, len(data))
		chunk := data[start:end]

		_, err := appendClient.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(chunk)), nil)
		if err != nil && bloberror.HasCode(err, bloberror.BlobNotFound) {
			if _, createErr := appendClient.Create(ctx, &appendblob.CreateOptions{
				HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType(blobPath))},
			}); createErr != nil && !bloberror.HasCode(createErr, bloberror.BlobAlreadyExists) {
				return fmt.Errorf("failed to create append blob %s: %w", blobPath, createErr)
			}
			_, err = appendClient.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(chunk)), nil)
		}
		if err != nil {
			a.logger.Error("Failed to append to blob",
				zap.String("blob_path", blobPath),
				zap.Int("size", len(chunk)),
				zap.Error(err))
			return fmt.Errorf("blob append failed: %w", err)
		}
	}
	return nil
}

// Remove deletes blobs, ignoring those already gone.
func (a *AzureBlobStore) Remove(ctx context.Context, paths ...string) error {
	for _, p := range paths {
		_, err := a.client.DeleteBlob(ctx, a.containerName, p, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return fmt.Errorf("failed to delete blob %s: %w", p, err)
		}
	}
	return nil
}

func (a *AzureBlobStore) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

func contentType(blobPath string) string {
	switch {
	case strings.HasSuffix(blobPath, ".csv"):
		return "text/csv"
	case strings.HasSuffix(blobPath, ".json"):
		return "application/json"
	case strings.HasSuffix(blobPath, ".mrc"):
		return "application/marc"
	}
	return "application/octet-stream"
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

func (a *AzureBlobStore) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("blob reference is required")
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	}

	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}

	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}

	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.containerName+"/")

	if ref == "" {
		return "", fmt.Errorf("blob path is empty")
	}
	return ref, nil
}
