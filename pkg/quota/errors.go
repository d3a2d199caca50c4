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

package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// Code is the stable identifier of an admission outcome.
type Code string

const (
	CodeInvalidRequest           Code = "INVALID_REQUEST"
	CodeFileTooLarge             Code = "FILE_TOO_LARGE"
	CodeUserNotFound             Code = "USER_NOT_FOUND"
	CodeDailyLimitExceeded       Code = "DAILY_LIMIT_EXCEEDED"
	CodeGlobalStorageExceeded    Code = "GLOBAL_STORAGE_EXCEEDED"
	CodeCredentialIssuanceFailed Code = "CREDENTIAL_ISSUANCE_FAILED"
	CodeLedgerCommitFailed       Code = "LEDGER_COMMIT_FAILED"
	CodeInternal                 Code = "INTERNAL"
)

// Error is an admission denial or a dependency failure.
type Error struct {
	Code    Code
	Message string
	// ResetAt is set for CodeGlobalStorageExceeded.
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c})
// works for callers that only care about the outcome.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

// Retryable reports whether the same request may succeed later without
// changing its input.
func Retryable(c Code) bool {
	switch c {
	case CodeDailyLimitExceeded, CodeGlobalStorageExceeded,
		CodeCredentialIssuanceFailed, CodeLedgerCommitFailed, CodeInternal:
		return true
	}
	return false
}

func Invalid(msg string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: msg}
}

func TooLarge(limit uint64) *Error {
	return &Error{
		Code:    CodeFileTooLarge,
		Message: fmt.Sprintf("file size cannot exceed %s", humanize.IBytes(limit)),
	}
}

func UserNotFound(userID string) *Error {
	return &Error{Code: CodeUserNotFound, Message: fmt.Sprintf("user %q not found", userID)}
}

func DailyExhausted(limit uint64) *Error {
	return &Error{
		Code:    CodeDailyLimitExceeded,
		Message: fmt.Sprintf("daily upload limit of %s reached", humanize.IBytes(limit)),
	}
}

func GlobalFull(resetAt time.Time) *Error {
	return &Error{
		Code:    CodeGlobalStorageExceeded,
		Message: fmt.Sprintf("global storage is full until %s", resetAt.UTC().Format(dateLayout)),
		ResetAt: resetAt,
	}
}

func IssuanceFailed(err error) *Error {
	return &Error{Code: CodeCredentialIssuanceFailed, Message: "could not issue storage credential", Err: err}
}

func CommitFailed(err error) *Error {
	return &Error{Code: CodeLedgerCommitFailed, Message: "could not record upload usage", Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}
