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
	"sync"

	"github.com/fawa-io/uploadgate/pkg/quota"
)

// MemoryLedger keeps the counters in process memory. Transactions are
// serialised by a mutex, so it is only suitable for a single replica.
type MemoryLedger struct {
	mu     sync.Mutex
	global *quota.GlobalStats
	daily  map[string]uint64
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{daily: make(map[string]uint64)}
}

func memoryKey(userID, date string) string {
	return userID + "\x00" + date
}

// ReadGlobalStats implements the Ledger interface.
func (m *MemoryLedger) ReadGlobalStats(ctx context.Context) (quota.GlobalStats, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.global == nil {
		return quota.GlobalStats{}, false, nil
	}
	return *m.global, true, nil
}

// ReadDailyUsage implements the Ledger interface.
func (m *MemoryLedger) ReadDailyUsage(ctx context.Context, userID, date string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily[memoryKey(userID, date)], nil
}

// Transact implements the Ledger interface. fn runs with the lock held.
func (m *MemoryLedger) Transact(ctx context.Context, userID, date string, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := memoryKey(userID, date)
	u := quota.Usage{DailyBytes: m.daily[k]}
	if m.global != nil {
		u.Global, u.Exists = *m.global, true
	}

	commit, err := fn(u)
	if err != nil {
		return err
	}

	m.global = &quota.GlobalStats{
		TotalStorageUsed:  commit.GlobalTotal,
		CurrentCycleStart: commit.CycleStart,
	}
	m.daily[k] += commit.DeltaBytes
	return nil
}

// Close implements the Ledger interface.
func (m *MemoryLedger) Close() error { return nil }
