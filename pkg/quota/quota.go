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

// Package quota holds the upload admission rules: the three byte limits,
// the lazily evaluated monthly storage cycle and the decision that turns a
// ledger reading into a commit or a denial. Nothing here performs I/O.
package quota

import (
	"time"

	"github.com/dustin/go-humanize"
)

// dateLayout is the per-user daily counter key, always in UTC.
const dateLayout = "2006-01-02"

// Limits are the tunable ceilings applied to every upload request.
type Limits struct {
	// MaxFileBytes caps a single upload.
	MaxFileBytes uint64
	// DailyBytes caps what one user may upload per UTC day.
	DailyBytes uint64
	// GlobalBytes caps total storage added during one cycle.
	GlobalBytes uint64
	// CycleMonths is the length of the global storage cycle.
	CycleMonths int
}

// DefaultLimits mirrors the production settings: 50 MiB per file,
// 200 MiB per user per day and 9.9 GiB per monthly cycle.
func DefaultLimits() Limits {
	global, _ := humanize.ParseBytes("9.9GiB")
	return Limits{
		MaxFileBytes: 50 * humanize.MiByte,
		DailyBytes:   200 * humanize.MiByte,
		GlobalBytes:  global,
		CycleMonths:  1,
	}
}

// GlobalStats is the singleton storage record for the current cycle.
type GlobalStats struct {
	TotalStorageUsed  uint64
	CurrentCycleStart time.Time
}

// Usage is what the ledger observed for one request: the global record
// (Exists is false before the first upload ever) and the user's bytes for
// the request day.
type Usage struct {
	Global     GlobalStats
	Exists     bool
	DailyBytes uint64
}

// Commit is the ledger mutation for an admitted request. DeltaBytes is
// added to the daily counter; the global record is overwritten with
// GlobalTotal and CycleStart.
type Commit struct {
	DeltaBytes  uint64
	DailyTotal  uint64
	GlobalTotal uint64
	CycleStart  time.Time
}

// DateKey returns the daily counter key for now.
func DateKey(now time.Time) string {
	return now.UTC().Format(dateLayout)
}

// NextReset is the instant the cycle that began at start ends.
// Month overflow follows time.AddDate, so Jan 31 + 1 month is Mar 3
// (Mar 2 in leap years).
func NextReset(start time.Time, months int) time.Time {
	if months < 1 {
		months = 1
	}
	return start.AddDate(0, months, 0)
}

// CycleExpired reports whether now is at or past the end of the cycle
// that began at start.
func CycleExpired(start, now time.Time, months int) bool {
	return !now.Before(NextReset(start, months))
}

// Current returns the global record as it applies at now: a missing
// record or an expired cycle reads as zero usage in a cycle starting now.
// The second result reports whether a reset took place.
func Current(u Usage, now time.Time, months int) (GlobalStats, bool) {
	if !u.Exists || u.Global.CurrentCycleStart.IsZero() ||
		CycleExpired(u.Global.CurrentCycleStart, now, months) {
		return GlobalStats{CurrentCycleStart: now.UTC()}, true
	}
	return u.Global, false
}

// exceeds reports whether used+size is strictly above limit without
// overflowing.
func exceeds(used, size, limit uint64) bool {
	if used > limit {
		return true
	}
	return size > limit-used
}

// Evaluate applies the global and daily checks to a ledger reading and
// returns the commit for an admissible request. The global check runs
// first; a denial is a *Error with code GlobalStorageExceeded or
// DailyLimitExceeded.
func Evaluate(lim Limits, u Usage, size uint64, now time.Time) (*Commit, error) {
	stats, _ := Current(u, now, lim.CycleMonths)

	if exceeds(stats.TotalStorageUsed, size, lim.GlobalBytes) {
		return nil, GlobalFull(NextReset(stats.CurrentCycleStart, lim.CycleMonths))
	}
	if exceeds(u.DailyBytes, size, lim.DailyBytes) {
		return nil, DailyExhausted(lim.DailyBytes)
	}

	return &Commit{
		DeltaBytes:  size,
		DailyTotal:  u.DailyBytes + size,
		GlobalTotal: stats.TotalStorageUsed + size,
		CycleStart:  stats.CurrentCycleStart,
	}, nil
}
