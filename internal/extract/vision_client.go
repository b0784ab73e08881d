/**
 * Vision capability client
 *
 * Talks to the external vision-extraction service. Every call is paced by
 * the caller through the rate limiter; this client only classifies
 * failures: 429 is an overload signal, 5xx and transport errors are
 * transient, anything else is permanent for the document.
 */

package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/vitalscan/labextract-worker/internal/errors"
	"github.com/vitalscan/labextract-worker/internal/normalize"
)

// Extraction is the structured result for one report image.
type Extraction struct {
	ReportText      string              `json:"report_text"`
	ReportType      string              `json:"report_type"`
	PatientName     string              `json:"patient_name,omitempty"`
	ReportDate      string              `json:"report_date,omitempty"`
	LabName         string              `json:"lab_name,omitempty"`
	Tests           []normalize.RawTest `json:"tests"`
	ModelConfidence float64             `json:"model_confidence"`
}

// VisionClient calls the vision capability over HTTP.
type VisionClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewVisionClient(baseURL, apiKey string, timeout time.Duration) *VisionClient {
	return &VisionClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type extractRequest struct {
	ImageBase64 string `json:"image_base64"`
	ContentType string `json:"content_type"`
}

// Extract sends the preprocessed image and returns the structured
// extraction. documentID is only used to tag returned errors.
func (c *VisionClient) Extract(ctx context.Context, documentID string, imagePNG []byte) (*Extraction, error) {
	reqBody := extractRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(imagePNG),
		ContentType: "image/png",
	}

	respBody, err := c.post(ctx, "/v1/extract", reqBody, documentID)
	if err != nil {
		return nil, err
	}

	var extraction Extraction
	if err := json.Unmarshal(respBody, &extraction); err != nil {
		return nil, apperrors.NewTransientCapabilityError(documentID, fmt.Errorf("malformed extraction response: %w", err))
	}
	return &extraction, nil
}

type matchNameRequest struct {
	RawName    string   `json:"raw_name"`
	Candidates []string `json:"candidates"`
}

type matchNameResponse struct {
	Match string `json:"match"`
}

// MatchName implements normalize.AssistMatcher: ask the capability which
// candidate canonical name the raw string denotes. An empty answer means
// none of them.
func (c *VisionClient) MatchName(ctx context.Context, rawName string, candidates []string) (string, error) {
	respBody, err := c.post(ctx, "/v1/match-name", matchNameRequest{
		RawName:    rawName,
		Candidates: candidates,
	}, "")
	if err != nil {
		return "", err
	}

	var resp matchNameResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("malformed match response: %w", err)
	}
	return resp.Match, nil
}

// HealthCheck verifies the capability is reachable.
func (c *VisionClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vision capability unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vision capability unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *VisionClient) post(ctx context.Context, path string, body interface{}, documentID string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are worth retrying.
		return nil, apperrors.NewTransientCapabilityError(documentID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewTransientCapabilityError(documentID, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewOverloadSignalError(documentID)
	case resp.StatusCode >= 500:
		return nil, apperrors.NewTransientCapabilityError(documentID,
			fmt.Errorf("capability returned status %d: %s", resp.StatusCode, truncate(respBody, 200)))
	default:
		return nil, fmt.Errorf("capability rejected request: status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
