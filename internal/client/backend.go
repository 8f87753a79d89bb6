// Package client is the agent side of license verification: it asks the
// validation backend and, when the backend cannot answer, walks an ordered
// cascade of remote store sources before settling on a local denial.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/pkg/contracts/domain"
)

const maxBackendBody = 1 << 20

// Backend answers license checks over the transport boundary
type Backend interface {
	CheckLicense(ctx context.Context, identity string, forceRefresh bool) (*domain.ResolvedAccess, error)
}

// BackendClient calls POST /license-check on the validation backend
type BackendClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewBackendClient creates a client for the backend at baseURL. A nil client
// uses http.DefaultClient.
func NewBackendClient(baseURL string, client *http.Client, timeout time.Duration) *BackendClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &BackendClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: timeout,
	}
}

// CheckLicense implements Backend. Any answer the backend renders is
// returned, including success=false; only transport and decoding problems
// are errors.
func (c *BackendClient) CheckLicense(ctx context.Context, identity string, forceRefresh bool) (*domain.ResolvedAccess, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(domain.LicenseCheckRequest{Email: identity, ForceRefresh: forceRefresh})
	if err != nil {
		return nil, fmt.Errorf("encode license check: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+config.LicenseCheckEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.NewTransportError("build backend request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.NewTransportError("backend unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendBody))
	if err != nil {
		return nil, apperrors.NewTransportError("read backend response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperrors.NewTransportError(fmt.Sprintf("backend returned status %d", resp.StatusCode), nil)
	}

	var access domain.ResolvedAccess
	if err := json.Unmarshal(data, &access); err != nil {
		return nil, apperrors.NewProtocolError("decode backend response", err)
	}
	return &access, nil
}
