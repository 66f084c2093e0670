// Copyright 2025 DocuFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objectstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
)

// azureStore backs the Store interface with Azure Blob Storage. The bucket
// maps to a blob container. SAS links require the account key; managed
// identity deployments should front downloads some other way.
type azureStore struct {
	client        *azblob.Client
	serviceClient *service.Client
	accountName   string
	accountKey    string
	container     string
	presignTTL    time.Duration
	logger        *log.Logger
}

func newAzureStore(ctx context.Context, cfg Config) (*azureStore, error) {
	s := &azureStore{
		accountName: cfg.AccountName,
		accountKey:  cfg.AccountKey,
		container:   cfg.Bucket,
		presignTTL:  cfg.PresignTTL,
		logger:      log.New(os.Stdout, "[OBJECTSTORE_AZURE] ", log.LstdFlags),
	}

	var err error
	switch {
	case cfg.ConnectionString != "":
		s.client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: client from connection string: %w", err)
		}
		s.serviceClient, err = service.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: service client from connection string: %w", err)
		}

	case cfg.AccountKey != "":
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("objectstore: shared key credential: %w", err)
		}
		s.client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: create client: %w", err)
		}
		s.serviceClient, err = service.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: create service client: %w", err)
		}

	case cfg.UseManagedIdentity:
		serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: azure credential: %w", err)
		}
		s.client, err = azblob.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: create client: %w", err)
		}
		s.serviceClient, err = service.NewClient(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("objectstore: create service client: %w", err)
		}

	default:
		return nil, fmt.Errorf("objectstore: azure requires a connection string, account key, or managed identity")
	}

	if _, err := s.serviceClient.GetProperties(ctx, nil); err != nil {
		return nil, fmt.Errorf("objectstore: verify azure connectivity: %w", err)
	}

	s.logger.Printf("Connected to Azure Blob Storage (account: %s, container: %s)", cfg.AccountName, cfg.Bucket)
	return s, nil
}

func (s *azureStore) Upload(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	_, err := s.client.UploadStream(ctx, s.container, key, r, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return fmt.Errorf("objectstore: upload blob %s: %w", key, err)
	}
	return nil
}

func (s *azureStore) Download(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		return nil, fmt.Errorf("objectstore: download blob %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read blob %s: %w", key, err)
	}
	return data, nil
}

func (s *azureStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("objectstore: delete blob %s: %w", key, err)
	}
	return nil
}

func (s *azureStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if s.accountKey == "" {
		return "", fmt.Errorf("objectstore: account key required for SAS generation")
	}
	if ttl <= 0 {
		ttl = s.presignTTL
	}

	cred, err := azblob.NewSharedKeyCredential(s.accountName, s.accountKey)
	if err != nil {
		return "", fmt.Errorf("objectstore: credential for SAS: %w", err)
	}

	perms := sas.BlobPermissions{Read: true}
	signatureValues := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     time.Now().Add(-10 * time.Minute),
		ExpiryTime:    time.Now().Add(ttl),
		Permissions:   perms.String(),
		ContainerName: s.container,
		BlobName:      key,
	}

	sasQueryParams, err := signatureValues.SignWithSharedKey(cred)
	if err != nil {
		return "", fmt.Errorf("objectstore: sign SAS for %s: %w", key, err)
	}

	return fmt.Sprintf("https://%s.blob.core.windows.net/%s/%s?%s",
		s.accountName, s.container, key, sasQueryParams.Encode()), nil
}

func (s *azureStore) Bucket() string {
	return s.container
}

func (s *azureStore) HealthCheck(ctx context.Context) error {
	_, err := s.serviceClient.GetProperties(ctx, nil)
	return err
}

var _ Store = (*azureStore)(nil)
