// Copyright 2025 The fawa Authors
//
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

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fawa-io/uploadgate/pkg/fwlog"
)

const (
	defaultRegion   = "auto"
	defaultWriteTTL = 5 * time.Minute
	defaultReadTTL  = time.Hour
)

// MinioOptions configures a MinioIssuer.
type MinioOptions struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	// Region is sent in every signature. Setting it up front means presigning
	// never has to ask the server for the bucket location.
	Region   string
	WriteTTL time.Duration
	ReadTTL  time.Duration
}

// MinioIssuer mints presigned URLs against any S3-compatible store.
type MinioIssuer struct {
	client   *minio.Client
	bucket   string
	region   string
	writeTTL time.Duration
	readTTL  time.Duration
}

// NewMinioIssuer builds the client. It does not contact the server.
func NewMinioIssuer(opts MinioOptions) (*MinioIssuer, error) {
	if opts.Endpoint == "" || opts.AccessKeyID == "" || opts.SecretAccessKey == "" || opts.Bucket == "" {
		return nil, errors.New("minio endpoint, credentials and bucket are required")
	}
	if opts.Region == "" {
		opts.Region = defaultRegion
	}
	if opts.WriteTTL <= 0 {
		opts.WriteTTL = defaultWriteTTL
	}
	if opts.ReadTTL <= 0 {
		opts.ReadTTL = defaultReadTTL
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	fwlog.Infof("Object store %s, bucket %s, region %s", opts.Endpoint, opts.Bucket, opts.Region)
	return &MinioIssuer{
		client:   client,
		bucket:   opts.Bucket,
		region:   opts.Region,
		writeTTL: opts.WriteTTL,
		readTTL:  opts.ReadTTL,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *MinioIssuer) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket '%s' exists: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("failed to create bucket '%s': %w", m.bucket, err)
	}
	fwlog.Infof("Successfully created bucket: %s", m.bucket)
	return nil
}

// IssueWrite implements the Issuer interface. Content-Type and
// Content-Length are part of the signature, so the store rejects a PUT that
// differs in either.
func (m *MinioIssuer) IssueWrite(ctx context.Context, key, contentType string, size uint64) (Credential, error) {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.FormatUint(size, 10))

	u, err := m.client.PresignHeader(ctx, http.MethodPut, m.bucket, key, m.writeTTL, nil, h)
	if err != nil {
		return Credential{}, fmt.Errorf("presign put %s: %w", key, err)
	}
	return Credential{URL: u.String(), ExpiresInSeconds: int(m.writeTTL / time.Second)}, nil
}

// IssueRead implements the Issuer interface.
func (m *MinioIssuer) IssueRead(ctx context.Context, key string) (Credential, error) {
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, m.readTTL, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("presign get %s: %w", key, err)
	}
	return Credential{URL: u.String(), ExpiresInSeconds: int(m.readTTL / time.Second)}, nil
}
