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

// Command client requests an upload credential from uploadgate and PUTs a
// file straight to the object store with it.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/fawa-io/uploadgate/pkg/fwlog"
	"github.com/fawa-io/uploadgate/pkg/util"
)

type client struct {
	server string
	token  string
	http   *http.Client
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error   string `json:"error"`
			Code    string `json:"code"`
			ResetAt string `json:"resetAt"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.ResetAt != "" {
			return fmt.Errorf("%s (%s, %d), retry after %s", e.Error, e.Code, resp.StatusCode, e.ResetAt)
		}
		return fmt.Errorf("%s (%s, %d)", e.Error, e.Code, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) upload(ctx context.Context, path, userID, category, subcategory string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := util.ObjectKey(category, subcategory, userID, time.Now(), filepath.Base(path))

	var grant struct {
		SignedURL string `json:"signedUrl"`
		Key       string `json:"key"`
	}
	err = c.post(ctx, "/api/upload", map[string]any{
		"filename":    key,
		"contentType": contentType,
		"size":        info.Size(),
		"userId":      userID,
	}, &grant)
	if err != nil {
		return "", fmt.Errorf("upload not admitted: %w", err)
	}

	// The URL is signed for exactly this type and length.
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, grant.SignedURL, f)
	if err != nil {
		return "", err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return "", fmt.Errorf("put object: %s: %s", resp.Status, msg)
	}

	fwlog.Infof("Uploaded %s (%s) as %s", path, humanize.IBytes(uint64(info.Size())), grant.Key)
	return grant.Key, nil
}

func main() {
	server := pflag.String("server", "http://localhost:8080", "uploadgate base URL")
	token := pflag.String("token", "", "Bearer token, if the server requires one")
	userID := pflag.String("user", "", "User id to upload as")
	category := pflag.String("category", "posts", "Key category")
	subcategory := pflag.String("subcategory", "media", "Key subcategory")
	download := pflag.String("download", "", "Print a download URL for this key instead of uploading")
	showQuota := pflag.Bool("quota", false, "Print the user's quota instead of uploading")
	pflag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	c := &client{server: strings.TrimSuffix(*server, "/"), token: *token, http: http.DefaultClient}

	switch {
	case *download != "":
		var out struct {
			SignedURL string `json:"signedUrl"`
		}
		if err := c.post(ctx, "/api/download", map[string]string{"key": *download}, &out); err != nil {
			fwlog.Fatal(err)
		}
		fmt.Println(out.SignedURL)

	case *showQuota:
		var out map[string]any
		if err := c.get(ctx, "/api/users/"+url.PathEscape(*userID)+"/quota", &out); err != nil {
			fwlog.Fatal(err)
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))

	default:
		if *userID == "" || pflag.NArg() != 1 {
			fwlog.Fatal("usage: client --user <id> [flags] <file>")
		}
		key, err := c.upload(ctx, pflag.Arg(0), *userID, *category, *subcategory)
		if err != nil {
			fwlog.Fatal(err)
		}
		fmt.Println(key)
	}
}
