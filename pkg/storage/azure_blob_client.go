package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
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

// ErrBlobNotFound is returned by Read for a blob that was never written
var ErrBlobNotFound = errors.New("blob not found")

// AzureBlobClient appends JSON lines to append blobs in one container using
// shared keys. It works against Azurite over plain HTTP as well.
type AzureBlobClient struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger

	mu            sync.Mutex
	containerInit bool
	created       map[string]bool
}

// NewAzureBlobClient creates a new Azure Blob storage client from a standard connection string.
func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
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

	return &AzureBlobClient{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
		created:       make(map[string]bool),
	}, nil
}

// AppendLine appends line plus a newline to the append blob at path,
// creating the blob on first use.
func (a *AzureBlobClient) AppendLine(ctx context.Context, path string, line []byte) error {
	if err := a.ensureContainer(ctx); err != nil {
		return err
	}

	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewAppendBlobClient(path)
	if err := a.ensureBlob(ctx, path, blobClient); err != nil {
		return err
	}

	body := make([]byte, 0, len(line)+1)
	body = append(append(body, line...), '\n')
	if _, err := blobClient.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(body)), nil); err != nil {
		a.logger.Error("Failed to append to blob",
			zap.String("blob_path", path),
			zap.Int("size", len(body)),
			zap.Error(err))
		return fmt.Errorf("blob append failed: %w", err)
	}
	return nil
}

// Read downloads the blob at path.
func (a *AzureBlobClient) Read(ctx context.Context, path string) ([]byte, error) {
	blobClient := a.client.ServiceClient().NewContainerClient(a.containerName).NewBlobClient(path)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob data: %w", err)
	}
	return data, nil
}

// URL returns the address of the blob at path
func (a *AzureBlobClient) URL(path string) string {
	return a.serviceURL + "/" + a.containerName + "/" + strings.TrimPrefix(path, "/")
}

func (a *AzureBlobClient) ensureBlob(ctx context.Context, path string, blobClient *appendblob.Client) error {
	a.mu.Lock()
	done := a.created[path]
	a.mu.Unlock()
	if done {
		return nil
	}

	_, err := blobClient.Create(ctx, &appendblob.CreateOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/x-ndjson"),
		},
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
		return fmt.Errorf("failed to create append blob %s: %w", path, err)
	}

	a.mu.Lock()
	a.created[path] = true
	a.mu.Unlock()
	return nil
}

func (a *AzureBlobClient) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		var respErr *azcore.ResponseError
		if !errors.As(err, &respErr) || respErr.ErrorCode != string(bloberror.ContainerAlreadyExists) {
			return fmt.Errorf("failed to ensure container: %w", err)
		}
	}

	a.containerInit = true
	return nil
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
