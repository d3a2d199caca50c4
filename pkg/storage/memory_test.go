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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/uploadgate/pkg/quota"
)

func TestMemoryLedger_Transact(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := l.ReadGlobalStats(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	err = l.Transact(ctx, "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
		assert.False(t, u.Exists)
		assert.Zero(t, u.DailyBytes)
		return &quota.Commit{DeltaBytes: 10, DailyTotal: 10, GlobalTotal: 10, CycleStart: start}, nil
	})
	require.NoError(t, err)

	err = l.Transact(ctx, "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
		assert.True(t, u.Exists)
		assert.Equal(t, uint64(10), u.DailyBytes)
		assert.Equal(t, quota.GlobalStats{TotalStorageUsed: 10, CurrentCycleStart: start}, u.Global)
		return &quota.Commit{DeltaBytes: 5, DailyTotal: 15, GlobalTotal: 15, CycleStart: start}, nil
	})
	require.NoError(t, err)

	g, ok, err := l.ReadGlobalStats(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(15), g.TotalStorageUsed)

	n, err := l.ReadDailyUsage(ctx, "u1", "2026-10-19")
	require.NoError(t, err)
	assert.Equal(t, uint64(15), n)

	n, err = l.ReadDailyUsage(ctx, "u1", "2026-10-20")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryLedger_AbortWritesNothing(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	denied := errors.New("denied")

	err := l.Transact(ctx, "u1", "2026-10-19", func(quota.Usage) (*quota.Commit, error) {
		return nil, denied
	})
	assert.ErrorIs(t, err, denied)

	_, ok, _ := l.ReadGlobalStats(ctx)
	assert.False(t, ok)
	n, _ := l.ReadDailyUsage(ctx, "u1", "2026-10-19")
	assert.Zero(t, n)
}

func TestMemoryLedger_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := NewMemoryLedger().Transact(ctx, "u1", "2026-10-19", func(quota.Usage) (*quota.Commit, error) {
		called = true
		return &quota.Commit{}, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestMemoryLedger_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Transact(ctx, "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
				return &quota.Commit{DeltaBytes: 1, GlobalTotal: u.Global.TotalStorageUsed + 1}, nil
			})
		}()
	}
	wg.Wait()

	g, _, _ := l.ReadGlobalStats(ctx)
	assert.Equal(t, uint64(100), g.TotalStorageUsed)
	n, _ := l.ReadDailyUsage(ctx, "u1", "2026-10-19")
	assert.Equal(t, uint64(100), n)
}
