// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/CovelineAI/CovelineChat/services/chat/storage"
)

// GCSColdStore is the cloud cold backend. Archive documents become objects
// under the configured bucket, keyed by the Archiver's conversation key.
type GCSColdStore struct {
	client     *gcs.Client
	BucketName string
}

// NewGCSColdStore creates a cold store on a GCS bucket. saKeyPath may be
// empty to use ambient application-default credentials.
func NewGCSColdStore(ctx context.Context, bucketName, saKeyPath string) (*GCSColdStore, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s. Please ensure you have the correct key and it is accessible", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSColdStore{client: client, BucketName: bucketName}, nil
}

// Put implements ColdStore.
func (s *GCSColdStore) Put(ctx context.Context, key string, data []byte) error {
	obj := s.client.Bucket(s.BucketName).Object(key)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("failed to write archive object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

// Get implements ColdStore.
func (s *GCSColdStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.BucketName).Object(key).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive object %s: %w", key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive object %s: %w", key, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *GCSColdStore) Close() error {
	return s.client.Close()
}

var _ ColdStore = (*GCSColdStore)(nil)
