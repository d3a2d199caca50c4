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
	"reflect"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"

	"github.com/fawa-io/uploadgate/pkg/quota"
)

const (
	testGlobalKey = "uploadgate:stats:global"
	testDailyKey  = "uploadgate:daily:u1:2026-10-19"
)

var testCycleStart = time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)

func TestDragonflyLedger_ReadGlobalStats(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ledger := newDragonflyLedger(client, DragonflyOptions{})

	testCases := []struct {
		name       string
		mocker     func()
		wantResult quota.GlobalStats
		wantExists bool
		wantErr    bool
	}{
		{
			name: "success",
			mocker: func() {
				mock.ExpectHGetAll(testGlobalKey).SetVal(map[string]string{
					fieldTotal:      "1024",
					fieldCycleStart: "2026-10-02T08:00:00Z",
				})
			},
			wantResult: quota.GlobalStats{TotalStorageUsed: 1024, CurrentCycleStart: testCycleStart},
			wantExists: true,
		},
		{
			name: "missing record",
			mocker: func() {
				mock.ExpectHGetAll(testGlobalKey).SetVal(map[string]string{})
			},
		},
		{
			name: "corrupt total",
			mocker: func() {
				mock.ExpectHGetAll(testGlobalKey).SetVal(map[string]string{fieldTotal: "-3"})
			},
			wantErr: true,
		},
		{
			name: "corrupt cycle start",
			mocker: func() {
				mock.ExpectHGetAll(testGlobalKey).SetVal(map[string]string{fieldTotal: "3", fieldCycleStart: "yesterday"})
			},
			wantErr: true,
		},
		{
			name: "redis error",
			mocker: func() {
				mock.ExpectHGetAll(testGlobalKey).SetErr(errors.New("redis error"))
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mocker()
			got, exists, err := ledger.ReadGlobalStats(context.Background())
			if (err != nil) != tc.wantErr {
				t.Errorf("ReadGlobalStats() error = %v, wantErr %v", err, tc.wantErr)
				return
			}
			if !reflect.DeepEqual(got, tc.wantResult) || exists != tc.wantExists {
				t.Errorf("ReadGlobalStats() got = %v, %v, want %v, %v", got, exists, tc.wantResult, tc.wantExists)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("there were unfulfilled expectations: %s", err)
			}
		})
	}
}

func TestDragonflyLedger_ReadDailyUsage(t *testing.T) {
	client, mock := redismock.NewClientMock()
	ledger := newDragonflyLedger(client, DragonflyOptions{})

	testCases := []struct {
		name       string
		mocker     func()
		wantResult uint64
		wantErr    bool
	}{
		{
			name: "success",
			mocker: func() {
				mock.ExpectGet(testDailyKey).SetVal("157286400")
			},
			wantResult: 157286400,
		},
		{
			name: "first upload of the day",
			mocker: func() {
				mock.ExpectGet(testDailyKey).RedisNil()
			},
		},
		{
			name: "redis error",
			mocker: func() {
				mock.ExpectGet(testDailyKey).SetErr(errors.New("redis error"))
			},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.mocker()
			got, err := ledger.ReadDailyUsage(context.Background(), "u1", "2026-10-19")
			if (err != nil) != tc.wantErr {
				t.Errorf("ReadDailyUsage() error = %v, wantErr %v", err, tc.wantErr)
				return
			}
			if got != tc.wantResult {
				t.Errorf("ReadDailyUsage() got = %v, want %v", got, tc.wantResult)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("there were unfulfilled expectations: %s", err)
			}
		})
	}
}

// expectCommit queues one full WATCH/read/MULTI/EXEC round and returns the
// EXEC expectation so callers can fail it.
func expectCommit(mock redismock.ClientMock, global map[string]string, daily string, total string, delta int64) *redismock.ExpectedSlice {
	mock.ExpectWatch(testGlobalKey, testDailyKey)
	mock.ExpectHGetAll(testGlobalKey).SetVal(global)
	if daily == "" {
		mock.ExpectGet(testDailyKey).RedisNil()
	} else {
		mock.ExpectGet(testDailyKey).SetVal(daily)
	}
	mock.ExpectTxPipeline()
	mock.ExpectHSet(testGlobalKey,
		fieldTotal, total,
		fieldCycleStart, "2026-10-02T08:00:00Z",
	).SetVal(2)
	mock.ExpectIncrBy(testDailyKey, delta).SetVal(delta)
	mock.ExpectExpire(testDailyKey, defaultDailyTTL).SetVal(true)
	return mock.ExpectTxPipelineExec()
}

func TestDragonflyLedger_Transact(t *testing.T) {
	t.Run("commit on first try", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		ledger := newDragonflyLedger(client, DragonflyOptions{})

		expectCommit(mock, map[string]string{}, "", "100", 100)

		var seen []quota.Usage
		err := ledger.Transact(context.Background(), "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
			seen = append(seen, u)
			return &quota.Commit{DeltaBytes: 100, DailyTotal: 100, GlobalTotal: 100, CycleStart: testCycleStart}, nil
		})
		if err != nil {
			t.Fatalf("Transact() error = %v", err)
		}
		if want := []quota.Usage{{}}; !reflect.DeepEqual(seen, want) {
			t.Errorf("Transact() observed %v, want %v", seen, want)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})

	t.Run("denial writes nothing", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		ledger := newDragonflyLedger(client, DragonflyOptions{})

		mock.ExpectWatch(testGlobalKey, testDailyKey)
		mock.ExpectHGetAll(testGlobalKey).SetVal(map[string]string{
			fieldTotal:      "500",
			fieldCycleStart: "2026-10-02T08:00:00Z",
		})
		mock.ExpectGet(testDailyKey).SetVal("40")

		denied := quota.DailyExhausted(50)
		err := ledger.Transact(context.Background(), "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
			want := quota.Usage{
				Global:     quota.GlobalStats{TotalStorageUsed: 500, CurrentCycleStart: testCycleStart},
				Exists:     true,
				DailyBytes: 40,
			}
			if !reflect.DeepEqual(u, want) {
				t.Errorf("usage = %v, want %v", u, want)
			}
			return nil, denied
		})
		if !errors.Is(err, denied) {
			t.Errorf("Transact() error = %v, want %v", err, denied)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})

	t.Run("conflict re-reads and retries", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		ledger := newDragonflyLedger(client, DragonflyOptions{})

		expectCommit(mock, map[string]string{}, "", "100", 100).SetErr(redis.TxFailedErr)
		expectCommit(mock, map[string]string{
			fieldTotal:      "100",
			fieldCycleStart: "2026-10-02T08:00:00Z",
		}, "100", "200", 100)

		calls := 0
		err := ledger.Transact(context.Background(), "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
			calls++
			return &quota.Commit{
				DeltaBytes:  100,
				DailyTotal:  u.DailyBytes + 100,
				GlobalTotal: u.Global.TotalStorageUsed + 100,
				CycleStart:  testCycleStart,
			}, nil
		})
		if err != nil {
			t.Fatalf("Transact() error = %v", err)
		}
		if calls != 2 {
			t.Errorf("fn called %d times, want 2", calls)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})

	t.Run("retry budget exhausted", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		ledger := newDragonflyLedger(client, DragonflyOptions{MaxRetries: 2})

		expectCommit(mock, map[string]string{}, "", "100", 100).SetErr(redis.TxFailedErr)
		expectCommit(mock, map[string]string{}, "", "100", 100).SetErr(redis.TxFailedErr)

		err := ledger.Transact(context.Background(), "u1", "2026-10-19", func(u quota.Usage) (*quota.Commit, error) {
			return &quota.Commit{DeltaBytes: 100, DailyTotal: 100, GlobalTotal: 100, CycleStart: testCycleStart}, nil
		})
		if !errors.Is(err, ErrConflict) {
			t.Errorf("Transact() error = %v, want %v", err, ErrConflict)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("there were unfulfilled expectations: %s", err)
		}
	})

	t.Run("watch error", func(t *testing.T) {
		client, mock := redismock.NewClientMock()
		ledger := newDragonflyLedger(client, DragonflyOptions{})

		mock.ExpectWatch(testGlobalKey, testDailyKey).SetErr(errors.New("connection reset"))

		err := ledger.Transact(context.Background(), "u1", "2026-10-19", func(quota.Usage) (*quota.Commit, error) {
			t.Error("fn must not run when WATCH fails")
			return nil, nil
		})
		if err == nil || errors.Is(err, ErrConflict) {
			t.Errorf("Transact() error = %v, want the WATCH error", err)
		}
	})
}

func TestDragonflyLedger_Keys(t *testing.T) {
	client, _ := redismock.NewClientMock()
	ledger := newDragonflyLedger(client, DragonflyOptions{KeyPrefix: "ummah"})

	if got := ledger.globalKey(); got != "ummah:stats:global" {
		t.Errorf("globalKey() = %s", got)
	}
	if got := ledger.dailyKey("abc", "2026-01-02"); got != "ummah:daily:abc:2026-01-02" {
		t.Errorf("dailyKey() = %s", got)
	}
}
