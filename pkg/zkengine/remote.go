package zkengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/relves/anonsignal/internal/retry"
	"github.com/relves/anonsignal/pkg/types"
)

// RemoteEngine delegates verification to a verifier sidecar over HTTP.
//
//	POST {base}/verify {"artifact": <base64>, "publicInputs": {...}}
//	200 {"valid": bool}
type RemoteEngine struct {
	baseURL string
	client  *http.Client
	retry   retry.Policy
}

// RemoteOption configures a RemoteEngine.
type RemoteOption func(*RemoteEngine)

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(e *RemoteEngine) { e.client = c }
}

func WithRetryPolicy(p retry.Policy) RemoteOption {
	return func(e *RemoteEngine) { e.retry = p }
}

func NewRemoteEngine(baseURL string, opts ...RemoteOption) *RemoteEngine {
	e := &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		retry:   retry.DefaultPolicy(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type remoteVerifyRequest struct {
	Artifact     []byte             `json:"artifact"`
	PublicInputs types.PublicInputs `json:"publicInputs"`
}

type remoteVerifyResponse struct {
	Valid bool `json:"valid"`
}

func (e *RemoteEngine) Verify(ctx context.Context, artifact []byte, pi types.PublicInputs) (bool, error) {
	body, err := json.Marshal(remoteVerifyRequest{Artifact: artifact, PublicInputs: pi})
	if err != nil {
		return false, fmt.Errorf("encode verify request: %w", err)
	}

	return retry.Do(ctx, e.retry, "remote proof verification", func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/verify", bytes.NewReader(body))
		if err != nil {
			return false, retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		if err := retry.CheckStatus(resp); err != nil {
			io.Copy(io.Discard, resp.Body)
			return false, err
		}
		var out remoteVerifyResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, retry.Permanent(fmt.Errorf("decode verify response: %w", err))
		}
		return out.Valid, nil
	})
}
