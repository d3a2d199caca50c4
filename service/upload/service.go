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

// Package upload is the admission controller: it decides whether an upload
// may proceed, charges the quota ledger and hands out presigned URLs.
package upload

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fawa-io/uploadgate/pkg/events"
	"github.com/fawa-io/uploadgate/pkg/fwlog"
	"github.com/fawa-io/uploadgate/pkg/metrics"
	"github.com/fawa-io/uploadgate/pkg/quota"
	"github.com/fawa-io/uploadgate/pkg/storage"
	"github.com/fawa-io/uploadgate/pkg/util"
)

const (
	maxUserIDLen = 128

	resultAdmitted = "admitted"
	resultIssued   = "issued"
)

// Request asks permission to upload one object.
type Request struct {
	// FileName is the object key the client will PUT to.
	FileName    string
	ContentType string
	SizeBytes   uint64
	UserID      string
}

// Admission is a granted request.
type Admission struct {
	Key        string
	Credential storage.Credential
	// DailyTotal and GlobalTotal are the ledger values after the charge.
	DailyTotal  uint64
	GlobalTotal uint64
}

// UsageReport is a read-only view of a user's quota at a point in time.
type UsageReport struct {
	UserID         string    `json:"userId"`
	Date           string    `json:"date"`
	DailyBytes     uint64    `json:"dailyBytes"`
	DailyLimit     uint64    `json:"dailyLimit"`
	DailyRemaining uint64    `json:"dailyRemaining"`
	MaxFileBytes   uint64    `json:"maxFileBytes"`
	GlobalBytes    uint64    `json:"globalBytes"`
	GlobalLimit    uint64    `json:"globalLimit"`
	CycleStart     time.Time `json:"cycleStart"`
	NextReset      time.Time `json:"nextReset"`
}

// Service implements admission, download and usage reporting.
type Service struct {
	ledger storage.Ledger
	users  storage.UserDirectory
	issuer storage.Issuer

	limits  func() quota.Limits
	now     func() time.Time
	metrics *metrics.Metrics
	events  events.Publisher
}

type Option func(*Service)

// WithLimits makes the service read its limits from fn on every request,
// so reloaded configuration applies without a restart.
func WithLimits(fn func() quota.Limits) Option {
	return func(s *Service) { s.limits = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithEvents(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func New(ledger storage.Ledger, users storage.UserDirectory, issuer storage.Issuer, opts ...Option) *Service {
	s := &Service{
		ledger: ledger,
		users:  users,
		issuer: issuer,
		limits: quota.DefaultLimits,
		now:    time.Now,
		events: events.Nop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit runs the checks in order: request shape, per-file size, user
// existence, then the global and daily limits inside one ledger
// transaction that also mints the write URL and charges the ledger.
// Denials leave the ledger untouched. Errors are always *quota.Error.
func (s *Service) Admit(ctx context.Context, req Request) (adm *Admission, err error) {
	defer func() { s.observe(s.admissions(), err, resultAdmitted) }()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	lim := s.limits()
	if req.SizeBytes > lim.MaxFileBytes {
		return nil, quota.TooLarge(lim.MaxFileBytes)
	}

	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	now := s.now()
	var (
		cred   storage.Credential
		commit *quota.Commit
	)
	err = s.ledger.Transact(ctx, req.UserID, quota.DateKey(now), func(u quota.Usage) (*quota.Commit, error) {
		c, err := quota.Evaluate(lim, u, req.SizeBytes, now)
		if err != nil {
			return nil, err
		}
		// A retried transaction mints a fresh URL; the previous one is
		// dropped unreturned.
		cred, err = s.issuer.IssueWrite(ctx, req.FileName, req.ContentType, req.SizeBytes)
		if err != nil {
			return nil, quota.IssuanceFailed(err)
		}
		commit = c
		return c, nil
	})
	if err != nil {
		var qe *quota.Error
		if errors.As(err, &qe) {
			return nil, qe
		}
		// The URL minted inside the transaction is never handed out.
		return nil, quota.CommitFailed(err)
	}

	fwlog.Debugf("admitted %s for %s: %s, daily total %s, global total %s",
		req.FileName, req.UserID, humanize.IBytes(req.SizeBytes),
		humanize.IBytes(commit.DailyTotal), humanize.IBytes(commit.GlobalTotal))

	s.events.Publish(events.Admitted{
		ID:          uuid.New(),
		Timestamp:   now.UTC(),
		UserID:      req.UserID,
		Key:         req.FileName,
		Size:        req.SizeBytes,
		ContentType: req.ContentType,
		DailyTotal:  commit.DailyTotal,
		GlobalTotal: commit.GlobalTotal,
	})

	return &Admission{
		Key:         req.FileName,
		Credential:  cred,
		DailyTotal:  commit.DailyTotal,
		GlobalTotal: commit.GlobalTotal,
	}, nil
}

// Download issues a read URL for key. It does not touch the ledger.
func (s *Service) Download(ctx context.Context, key string) (cred storage.Credential, err error) {
	defer func() { s.observe(s.downloads(), err, resultIssued) }()

	if err := util.ValidateObjectKey(key); err != nil {
		return storage.Credential{}, quota.Invalid(err.Error())
	}
	cred, err = s.issuer.IssueRead(ctx, key)
	if err != nil {
		return storage.Credential{}, quota.IssuanceFailed(err)
	}
	return cred, nil
}

// Usage reports userID's consumption as an admission at this instant
// would see it. Nothing is written.
func (s *Service) Usage(ctx context.Context, userID string) (UsageReport, error) {
	if err := validateUserID(userID); err != nil {
		return UsageReport{}, err
	}
	if err := s.checkUser(ctx, userID); err != nil {
		return UsageReport{}, err
	}

	lim := s.limits()
	now := s.now()
	date := quota.DateKey(now)

	g, exists, err := s.ledger.ReadGlobalStats(ctx)
	if err != nil {
		return UsageReport{}, quota.Internal("could not read global usage", err)
	}
	daily, err := s.ledger.ReadDailyUsage(ctx, userID, date)
	if err != nil {
		return UsageReport{}, quota.Internal("could not read daily usage", err)
	}

	stats, _ := quota.Current(quota.Usage{Global: g, Exists: exists}, now, lim.CycleMonths)
	var remaining uint64
	if daily < lim.DailyBytes {
		remaining = lim.DailyBytes - daily
	}
	return UsageReport{
		UserID:         userID,
		Date:           date,
		DailyBytes:     daily,
		DailyLimit:     lim.DailyBytes,
		DailyRemaining: remaining,
		MaxFileBytes:   lim.MaxFileBytes,
		GlobalBytes:    stats.TotalStorageUsed,
		GlobalLimit:    lim.GlobalBytes,
		CycleStart:     stats.CurrentCycleStart,
		NextReset:      quota.NextReset(stats.CurrentCycleStart, lim.CycleMonths),
	}, nil
}

func (s *Service) checkUser(ctx context.Context, userID string) error {
	ok, err := s.users.Exists(ctx, userID)
	if err != nil {
		return quota.Internal("could not look up user", err)
	}
	if !ok {
		return quota.UserNotFound(userID)
	}
	return nil
}

func validateRequest(req Request) error {
	var missing []string
	if req.FileName == "" {
		missing = append(missing, "filename")
	}
	if req.ContentType == "" {
		missing = append(missing, "contentType")
	}
	if req.SizeBytes == 0 {
		missing = append(missing, "size")
	}
	if req.UserID == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return quota.Invalid("missing required fields: " + strings.Join(missing, ", "))
	}

	if err := util.ValidateObjectKey(req.FileName); err != nil {
		return quota.Invalid(err.Error())
	}
	if _, _, err := mime.ParseMediaType(req.ContentType); err != nil {
		return quota.Invalid(fmt.Sprintf("malformed content type %q", req.ContentType))
	}
	return validateUserID(req.UserID)
}

func validateUserID(id string) error {
	switch {
	case id == "":
		return quota.Invalid("userId is required")
	case len(id) > maxUserIDLen:
		return quota.Invalid(fmt.Sprintf("userId exceeds %d bytes", maxUserIDLen))
	case strings.ContainsRune(id, '/'):
		return quota.Invalid("userId must not contain '/'")
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		return quota.Invalid("userId contains a control character")
	}
	return nil
}

func (s *Service) admissions() *prometheus.CounterVec {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Admissions
}

func (s *Service) downloads() *prometheus.CounterVec {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Downloads
}

// observe counts one outcome: success, or the lowercase error code.
func (s *Service) observe(vec *prometheus.CounterVec, err error, success string) {
	if vec == nil {
		return
	}
	result := success
	if err != nil {
		result = strings.ToLower(string(quota.CodeOf(err)))
	}
	vec.WithLabelValues(result).Inc()
}
