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
	"strconv"
	"time"

	"github.com/google/trillian/client/backoff"
	"github.com/redis/go-redis/v9"

	"github.com/fawa-io/uploadgate/pkg/fwlog"
	"github.com/fawa-io/uploadgate/pkg/quota"
)

const (
	fieldTotal      = "totalStorageUsed"
	fieldCycleStart = "currentCycleStart"

	defaultKeyPrefix    = "uploadgate"
	defaultRetryTimeout = 5 * time.Second
	defaultDailyTTL     = 72 * time.Hour

	backoffMin = time.Millisecond
	backoffMax = 100 * time.Millisecond
)

// DragonflyOptions configures a DragonflyLedger.
type DragonflyOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key, "uploadgate" by default.
	KeyPrefix string
	// RetryTimeout bounds how long a conflicting transaction keeps retrying.
	RetryTimeout time.Duration
	// MaxRetries additionally caps the number of attempts. Zero means the
	// loop is bounded by RetryTimeout and the caller's context only.
	MaxRetries int
	// DailyTTL is refreshed on every write to a daily counter so old days
	// age out.
	DailyTTL time.Duration
}

// DragonflyLedger implements the Ledger interface using Dragonfly/Redis.
// Transactions use WATCH on the global hash and the daily counter and
// MULTI/EXEC for the write.
type DragonflyLedger struct {
	client       redis.UniversalClient
	prefix       string
	retryTimeout time.Duration
	maxRetries   int
	dailyTTL     time.Duration
}

// NewDragonflyLedger connects to addr and checks the connection.
func NewDragonflyLedger(ctx context.Context, opts DragonflyOptions) (*DragonflyLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	// Check the connection.
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping dragonfly at %s: %w", opts.Addr, err)
	}
	return newDragonflyLedger(client, opts), nil
}

func newDragonflyLedger(client redis.UniversalClient, opts DragonflyOptions) *DragonflyLedger {
	l := &DragonflyLedger{
		client:       client,
		prefix:       opts.KeyPrefix,
		retryTimeout: opts.RetryTimeout,
		maxRetries:   opts.MaxRetries,
		dailyTTL:     opts.DailyTTL,
	}
	if l.prefix == "" {
		l.prefix = defaultKeyPrefix
	}
	if l.retryTimeout <= 0 {
		l.retryTimeout = defaultRetryTimeout
	}
	if l.dailyTTL <= 0 {
		l.dailyTTL = defaultDailyTTL
	}
	return l
}

func (d *DragonflyLedger) globalKey() string {
	return d.prefix + ":stats:global"
}

func (d *DragonflyLedger) dailyKey(userID, date string) string {
	return d.prefix + ":daily:" + userID + ":" + date
}

// ReadGlobalStats implements the Ledger interface.
func (d *DragonflyLedger) ReadGlobalStats(ctx context.Context) (quota.GlobalStats, bool, error) {
	return readGlobal(ctx, d.client, d.globalKey())
}

// ReadDailyUsage implements the Ledger interface.
func (d *DragonflyLedger) ReadDailyUsage(ctx context.Context, userID, date string) (uint64, error) {
	return readDaily(ctx, d.client, d.dailyKey(userID, date))
}

// Transact implements the Ledger interface.
func (d *DragonflyLedger) Transact(ctx context.Context, userID, date string, fn TxFunc) error {
	gk, dk := d.globalKey(), d.dailyKey(userID, date)

	txf := func(tx *redis.Tx) error {
		g, exists, err := readGlobal(ctx, tx, gk)
		if err != nil {
			return err
		}
		daily, err := readDaily(ctx, tx, dk)
		if err != nil {
			return err
		}

		commit, err := fn(quota.Usage{Global: g, Exists: exists, DailyBytes: daily})
		if err != nil {
			return err
		}

		// Runs only if gk and dk are unchanged since WATCH.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, gk,
				fieldTotal, strconv.FormatUint(commit.GlobalTotal, 10),
				fieldCycleStart, commit.CycleStart.UTC().Format(time.RFC3339Nano),
			)
			pipe.IncrBy(ctx, dk, int64(commit.DeltaBytes))
			pipe.Expire(ctx, dk, d.dailyTTL)
			return nil
		})
		return err
	}

	// Every admission watches the same global hash, so conflicting
	// callers back off with jitter instead of retrying in lockstep.
	bo := backoff.Backoff{Min: backoffMin, Max: backoffMax, Factor: 2, Jitter: true}
	rctx, cancel := context.WithTimeout(ctx, d.retryTimeout)
	defer cancel()

	var (
		attempts int
		txErr    error
	)
	err := bo.Retry(rctx, func() error {
		attempts++
		err := d.client.Watch(rctx, txf, gk, dk)
		if errors.Is(err, redis.TxFailedErr) {
			if d.maxRetries > 0 && attempts >= d.maxRetries {
				txErr = ErrConflict
				return nil
			}
			fwlog.Debugf("ledger transaction for %s conflicted, attempt %d", userID, attempts)
			return err
		}
		txErr = err
		return nil
	})
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return ErrConflict
	case err != nil:
		return err
	}
	return txErr
}

// Close closes the redis connection.
func (d *DragonflyLedger) Close() error {
	fwlog.Info("Closing Redis/Dragonfly connection...")
	return d.client.Close()
}

func readGlobal(ctx context.Context, c redis.Cmdable, key string) (quota.GlobalStats, bool, error) {
	vals, err := c.HGetAll(ctx, key).Result()
	if err != nil {
		return quota.GlobalStats{}, false, err
	}
	if len(vals) == 0 {
		return quota.GlobalStats{}, false, nil
	}

	var g quota.GlobalStats
	if s, ok := vals[fieldTotal]; ok {
		if g.TotalStorageUsed, err = strconv.ParseUint(s, 10, 64); err != nil {
			return quota.GlobalStats{}, false, fmt.Errorf("corrupt %s.%s %q: %w", key, fieldTotal, s, err)
		}
	}
	if s, ok := vals[fieldCycleStart]; ok {
		if g.CurrentCycleStart, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return quota.GlobalStats{}, false, fmt.Errorf("corrupt %s.%s %q: %w", key, fieldCycleStart, s, err)
		}
	}
	return g, true, nil
}

func readDaily(ctx context.Context, c redis.Cmdable, key string) (uint64, error) {
	n, err := c.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
