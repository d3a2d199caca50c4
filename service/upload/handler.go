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

package upload

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fawa-io/uploadgate/pkg/auth"
	"github.com/fawa-io/uploadgate/pkg/fwlog"
	"github.com/fawa-io/uploadgate/pkg/metrics"
	"github.com/fawa-io/uploadgate/pkg/quota"
)

const (
	RouteAPI      = "/api"
	RouteUpload   = RouteAPI + "/upload"
	RouteDownload = RouteAPI + "/download"
	RouteUser     = RouteAPI + "/users/:user_id"
	RouteQuota    = RouteUser + "/quota"
	RouteHealth   = RouteAPI + "/healthz"
	RouteMetrics  = RouteAPI + "/metrics"
)

type uploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        uint64 `json:"size"`
	UserID      string `json:"userId"`
}

type uploadResponse struct {
	SignedURL string `json:"signedUrl"`
	Key       string `json:"key"`
}

type downloadRequest struct {
	Key string `json:"key"`
}

type downloadResponse struct {
	SignedURL string `json:"signedUrl"`
}

type errorResponse struct {
	Error     string     `json:"error"`
	Code      quota.Code `json:"code"`
	Retryable bool       `json:"retryable"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
}

// Handler serves the HTTP API on top of a Service.
type Handler struct {
	svc      *Service
	verifier *auth.Verifier
	metrics  *metrics.Metrics
}

// NewHandler returns a handler. verifier and m may be nil, which disables
// token checks and the metrics endpoint.
func NewHandler(svc *Service, verifier *auth.Verifier, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, verifier: verifier, metrics: m}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLog(h.metrics))

	guarded := []gin.HandlerFunc{}
	if h.verifier != nil {
		guarded = append(guarded, auth.Middleware(h.verifier))
	}

	r.POST(RouteUpload, append(guarded, h.upload)...)
	r.GET(RouteQuota, append(guarded, h.usage)...)
	r.POST(RouteDownload, h.download)
	r.GET(RouteHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.metrics != nil {
		r.GET(RouteMetrics, gin.WrapH(h.metrics.Handler()))
	}
	return r
}

func (h *Handler) upload(c *gin.Context) {
	var body uploadRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, quota.Invalid("malformed request body"))
		return
	}
	req := Request{
		FileName:    body.Filename,
		ContentType: body.ContentType,
		SizeBytes:   body.Size,
		UserID:      body.UserID,
	}
	// Malformed requests fall through to Admit, which rejects them first.
	if validateRequest(req) == nil && !auth.Authorize(c, req.UserID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not belong to userId", "code": "FORBIDDEN"})
		return
	}

	adm, err := h.svc.Admit(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, uploadResponse{SignedURL: adm.Credential.URL, Key: adm.Key})
}

func (h *Handler) download(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, quota.Invalid("malformed request body"))
		return
	}
	cred, err := h.svc.Download(c.Request.Context(), req.Key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, downloadResponse{SignedURL: cred.URL})
}

func (h *Handler) usage(c *gin.Context) {
	userID := c.Param("user_id")
	if validateUserID(userID) == nil && !auth.Authorize(c, userID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "token does not belong to user", "code": "FORBIDDEN"})
		return
	}
	report, err := h.svc.Usage(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// StatusOf maps an error code to its HTTP status.
func StatusOf(code quota.Code) int {
	switch code {
	case quota.CodeInvalidRequest, quota.CodeFileTooLarge:
		return http.StatusBadRequest
	case quota.CodeUserNotFound:
		return http.StatusNotFound
	case quota.CodeDailyLimitExceeded, quota.CodeGlobalStorageExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Wrapped causes are logged, never returned.
func (h *Handler) writeError(c *gin.Context, err error) {
	var qe *quota.Error
	if !errors.As(err, &qe) {
		qe = quota.Internal("internal error", err)
	}
	status := StatusOf(qe.Code)
	if status >= http.StatusInternalServerError {
		fwlog.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}

	resp := errorResponse{Error: qe.Message, Code: qe.Code, Retryable: quota.Retryable(qe.Code)}
	if !qe.ResetAt.IsZero() {
		t := qe.ResetAt.UTC()
		resp.ResetAt = &t
		c.Header("Retry-After", strconv.Itoa(retryAfter(t, h.svc.now())))
	}
	c.AbortWithStatusJSON(status, resp)
}

// retryAfter is measured on the service clock, the same one that produced t.
func retryAfter(t, now time.Time) int {
	d := t.Sub(now)
	if d < time.Second {
		return 1
	}
	return int(d / time.Second)
}
