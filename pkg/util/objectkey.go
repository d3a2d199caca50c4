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

package util

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxObjectKeyLen is the S3 limit on key length in bytes.
const MaxObjectKeyLen = 1024

var (
	ErrEmptyKey     = errors.New("object key is empty")
	ErrKeyTooLong   = fmt.Errorf("object key exceeds %d bytes", MaxObjectKeyLen)
	ErrAbsoluteKey  = errors.New("object key must not start with '/'")
	ErrKeyTraversal = errors.New("object key must not contain '..' segments")
	ErrKeyBadChar   = errors.New("object key contains a backslash or control character")
)

// ObjectKey builds the key under which a client stores an upload:
// {category}/{subcategory}/{userID}/{unixMillis}-{name}.
func ObjectKey(category, subcategory, userID string, ts time.Time, fileName string) string {
	return fmt.Sprintf("%s/%s/%s/%d-%s", category, subcategory, userID, ts.UnixMilli(), SanitizeFileName(fileName))
}

// ValidateObjectKey rejects keys that could escape the caller's prefix or
// that the object store would refuse.
func ValidateObjectKey(key string) error {
	switch {
	case key == "":
		return ErrEmptyKey
	case len(key) > MaxObjectKeyLen:
		return ErrKeyTooLong
	case strings.HasPrefix(key, "/"):
		return ErrAbsoluteKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ErrKeyTraversal
		}
	}
	for _, r := range key {
		if r == '\\' || unicode.IsControl(r) {
			return ErrKeyBadChar
		}
	}
	return nil
}

// SanitizeFileName reduces a user supplied file name to a lowercase ASCII
// slug that keeps the extension.
func SanitizeFileName(original string) string {
	s := strings.TrimSpace(original)
	s = strings.ReplaceAll(s, "\\", "/")
	s = path.Base(s)
	if s == "." || s == ".." || s == "/" || s == "" {
		return "file"
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, _ = transform.String(t, s)

	ext := strings.ToLower(path.Ext(s))
	base := slug(strings.TrimSuffix(s, ext))
	ext = slug(strings.TrimPrefix(ext, "."))

	if base == "" {
		base = "file"
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// slug keeps [a-z0-9], folds runs of anything else into a single '-'.
func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevDash := true
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z':
			b.WriteRune(r)
			prevDash = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(unicode.ToLower(r))
			prevDash = false
		default:
			if !prevDash {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
