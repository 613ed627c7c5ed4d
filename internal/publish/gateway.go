package publish

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

	"tacit/internal/telemetry"
)

// HTTPUploader pushes learnings to a content-addressed gateway. The
// gateway anchors each payload and returns the anchor transaction.
type HTTPUploader struct {
	client  *http.Client
	baseURL string
}

func NewHTTPUploader(baseURL string) *HTTPUploader {
	return &HTTPUploader{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type uploadResponse struct {
	AnchorTx string `json:"anchor_tx"`
}

// Upload PUTs the payload under its content address. The gateway treats
// a repeated PUT of the same address as a no-op, so retries are safe.
func (u *HTTPUploader) Upload(ctx context.Context, contentAddress string, payload []byte) (string, error) {
	url := u.baseURL + "/v1/content/" + contentAddress
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := u.client.Do(req)
	if err != nil {
		// The error may embed the full URL; keep only the redacted form.
		return "", fmt.Errorf("gateway %s unreachable: %w", telemetry.RedactURL(u.baseURL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("read gateway response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusOK, resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusConflict:
		// Already anchored under this address.
	default:
		return "", fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var parsed uploadResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AnchorTx == "" {
		return "", fmt.Errorf("gateway response missing anchor_tx")
	}
	return parsed.AnchorTx, nil
}
