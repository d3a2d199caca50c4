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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObjectKey(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	got := ObjectKey("posts", "images", "u1", ts, "Sunset at Café.JPG")
	assert.Equal(t, "posts/images/u1/1700000000123-sunset-at-cafe.jpg", got)
	assert.NoError(t, ValidateObjectKey(got))
}

func TestSanitizeFileName(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{in: "photo.png", want: "photo.png"},
		{in: "  My Photo (1).PNG ", want: "my-photo-1.png"},
		{in: "résumé.pdf", want: "resume.pdf"},
		{in: `C:\Users\x\evil.exe`, want: "evil.exe"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: "..", want: "file"},
		{in: "", want: "file"},
		{in: "صورة.jpg", want: "file.jpg"},
		{in: "archive.tar.gz", want: "archive-tar.gz"},
		{in: "noext", want: "noext"},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, SanitizeFileName(tc.in))
		})
	}
}

func TestValidateObjectKey(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		want error
	}{
		{name: "plain", key: "posts/images/u1/1-a.jpg"},
		{name: "dots inside names", key: "a/b..c/d.e"},
		{name: "empty", key: "", want: ErrEmptyKey},
		{name: "absolute", key: "/etc/passwd", want: ErrAbsoluteKey},
		{name: "traversal", key: "posts/../secrets", want: ErrKeyTraversal},
		{name: "leading traversal", key: "../x", want: ErrKeyTraversal},
		{name: "backslash", key: `posts\x`, want: ErrKeyBadChar},
		{name: "newline", key: "posts/x\n", want: ErrKeyBadChar},
		{name: "nul", key: "posts/\x00", want: ErrKeyBadChar},
		{name: "max length", key: strings.Repeat("a", MaxObjectKeyLen)},
		{name: "too long", key: strings.Repeat("a", MaxObjectKeyLen+1), want: ErrKeyTooLong},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateObjectKey(tc.key)
			if tc.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}
