// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
)

// TransportError is a failed network exchange (unreachable, timeout, non-200 status). The
// queued operations are kept and retried on the next trigger.
type TransportError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server returned status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err came from the network rather than the local store.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// authorize sets the bearer token when a token source is configured.
func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.Token == nil {
		return nil
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get JWT token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// do performs the request under RequestTimeout and decodes a 200 JSON body into out.
func (c *Client) do(ctx context.Context, op string, req *http.Request, out any) error {
	if err := c.authorize(ctx, req); err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(string(bytes.TrimSpace(body)))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// sendBatch posts one batch and checks that the response has one outcome per operation.
func (c *Client) sendBatch(ctx context.Context, ops []fieldsync.ProposedOperation) (*fieldsync.BatchResponse, error) {
	body, err := json.Marshal(fieldsync.BatchRequest{Operations: ops})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/batch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out fieldsync.BatchResponse
	if err := c.do(ctx, "submit batch", req, &out); err != nil {
		return nil, err
	}
	if len(out.Outcomes) != len(ops) {
		return nil, &TransportError{Op: "submit batch",
			Err: fmt.Errorf("got %d outcomes for %d operations", len(out.Outcomes), len(ops))}
	}
	return &out, nil
}

// changesPage is the cursor of one GET /sync/changes request.
type changesPage struct {
	since   time.Time
	afterID int64
	until   *time.Time
	limit   int
}

func (c *Client) fetchChanges(ctx context.Context, page changesPage) (*fieldsync.ChangesResponse, error) {
	q := url.Values{}
	q.Set("lastSync", page.since.UTC().Format(time.RFC3339Nano))
	q.Set("entityType", fieldsync.EntityWorkOrder)
	if page.afterID > 0 {
		q.Set("afterId", strconv.FormatInt(page.afterID, 10))
	}
	if page.until != nil {
		q.Set("until", page.until.UTC().Format(time.RFC3339Nano))
	}
	if page.limit > 0 {
		q.Set("limit", strconv.Itoa(page.limit))
	}
	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sync/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	var out fieldsync.ChangesResponse
	if err := c.do(ctx, "pull changes", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
