/**
 * @description
 * This package provides a client for the LMS sync service. The boleto-service never talks to
 * the LMS directly: it asks the sync service to refresh its mirror rows (students, courses,
 * enrollments) for one CPF on one campus and then re-reads them from PostgreSQL.
 */
package lmsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is a client for the LMS sync service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new LMS sync client.
func NewClient(baseURL string, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether a base URL was provided.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// SnapshotRequest defines the request payload for a targeted resync.
type SnapshotRequest struct {
	CPF      string `json:"cpf"`
	CampusID string `json:"campus_id"`
}

// SnapshotResponse summarizes what the sync service refreshed.
type SnapshotResponse struct {
	StudentFound     bool      `json:"student_found"`
	EnrollmentsCount int       `json:"enrollments_count"`
	SyncedAt         time.Time `json:"synced_at"`
}

// FetchSnapshot asks the sync service to refresh the mirror for cpf on campusID and waits for it.
// Callers bound the wait through ctx.
func (c *Client) FetchSnapshot(ctx context.Context, cpf string, campusID uuid.UUID) error {
	_, err := c.RequestSnapshot(ctx, cpf, campusID)
	return err
}

// RequestSnapshot is FetchSnapshot returning the sync service's summary.
func (c *Client) RequestSnapshot(ctx context.Context, cpf string, campusID uuid.UUID) (*SnapshotResponse, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("lms sync base url is empty")
	}

	url := fmt.Sprintf("%s/internal/sync/students/snapshot", c.baseURL)

	body, err := json.Marshal(SnapshotRequest{CPF: cpf, CampusID: campusID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("X-Internal-API-Key", strings.TrimSpace(c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to lms sync service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lms sync service returned error status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var response SnapshotResponse
	if resp.StatusCode == http.StatusNoContent {
		return &response, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &response, nil
}
