// Package relay implements both sides of the relayer HTTP contract: the
// client the orchestrator submits through, and the service that verifies,
// serializes, and broadcasts signed permission grants.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// OperationAddPermission is the only relayed operation today.
const OperationAddPermission = "add_permission"

// Submission is the wire payload for a signed relayed operation. The
// signer and the broadcaster are different identities: the end-user signs,
// the relayer pays gas.
type Submission struct {
	Type                string             `json:"type"` // always "signed"
	Operation           string             `json:"operation"`
	TypedData           apitypes.TypedData `json:"typedData"`
	Signature           string             `json:"signature"` // 0x-prefixed hex
	ExpectedUserAddress string             `json:"expectedUserAddress"`
}

// Submitter forwards a signed submission and returns the transaction hash.
type Submitter interface {
	Submit(ctx context.Context, sub Submission) (string, error)
}

// HTTPClient submits against a remote relay service.
type HTTPClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{baseURL: baseURL, apiKey: apiKey, httpc: &http.Client{}}
}

func (c *HTTPClient) Submit(ctx context.Context, sub Submission) (string, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/relay", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay request failed: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Hash  string `json:"hash"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("invalid relay response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return "", fmt.Errorf("relay rejected submission: %s (status %d)", out.Error, resp.StatusCode)
		}
		return "", fmt.Errorf("relay rejected submission: status %d", resp.StatusCode)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("relay response missing transaction hash")
	}
	return out.Hash, nil
}
