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

	"github.com/fawa-io/uploadgate/pkg/quota"
)

// ErrConflict is returned by Ledger.Transact when concurrent writers kept
// invalidating the read within the retry budget.
var ErrConflict = errors.New("ledger: too many conflicting concurrent updates")

// TxFunc decides what to commit for the usage observed inside a ledger
// transaction. Returning an error aborts the transaction and nothing is
// written. It may be called more than once per Transact.
type TxFunc func(quota.Usage) (*quota.Commit, error)

// Ledger stores the quota counters: the global storage record and the
// per-user daily byte counters.
type Ledger interface {
	// ReadGlobalStats returns the global record and whether it exists.
	ReadGlobalStats(ctx context.Context) (quota.GlobalStats, bool, error)

	// ReadDailyUsage returns the bytes userID uploaded on date (YYYY-MM-DD).
	ReadDailyUsage(ctx context.Context, userID, date string) (uint64, error)

	// Transact reads the global record and the user's counter for date,
	// passes them to fn and applies the returned commit atomically. If
	// either value changes before the commit lands, the read and fn are
	// repeated.
	Transact(ctx context.Context, userID, date string, fn TxFunc) error

	// Close releases the backing connection.
	Close() error
}

// UserDirectory answers whether a user account exists.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Credential is a presigned URL handed to an untrusted client.
type Credential struct {
	URL              string
	ExpiresInSeconds int
}

// Issuer mints presigned object-store URLs.
type Issuer interface {
	// IssueWrite allows exactly one PUT of size bytes of contentType to key.
	IssueWrite(ctx context.Context, key, contentType string, size uint64) (Credential, error)

	// IssueRead allows GETs of key until the credential expires.
	IssueRead(ctx context.Context, key string) (Credential, error)
}
