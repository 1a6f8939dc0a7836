// Package admission implements registration.Authority against external
// issuers of admission references.
package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relves/anonsignal/internal/retry"
	"github.com/relves/anonsignal/pkg/types"
)

// HTTPAuthority asks a reference service whether a ref was issued.
//
//	GET {base}/refs/{ref} -> 200 {"isValidRef": bool}
//
// A 404 means the service has never seen the ref.
type HTTPAuthority struct {
	baseURL string
	client  *http.Client
	retry   retry.Policy
}

type Option func(*HTTPAuthority)

func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAuthority) { a.client = c }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(a *HTTPAuthority) { a.retry = p }
}

func NewHTTPAuthority(baseURL string, opts ...Option) *HTTPAuthority {
	a := &HTTPAuthority{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   retry.DefaultPolicy(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type refResponse struct {
	IsValidRef bool `json:"isValidRef"`
}

func (a *HTTPAuthority) IsValidRef(ctx context.Context, ref string) (bool, error) {
	endpoint := a.baseURL + "/refs/" + url.PathEscape(ref)

	return retry.Do(ctx, a.retry, "admission reference check", func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return false, retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return false, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			io.Copy(io.Discard, resp.Body)
			return false, nil
		}
		if err := retry.CheckStatus(resp); err != nil {
			io.Copy(io.Discard, resp.Body)
			return false, err
		}
		var out refResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, retry.Permanent(types.Wrap(types.KindNetworkFailure, err, "decode admission response"))
		}
		return out.IsValidRef, nil
	})
}

// StaticAuthority accepts a fixed set of references.
type StaticAuthority struct {
	refs map[string]struct{}
}

func NewStaticAuthority(refs ...string) *StaticAuthority {
	s := &StaticAuthority{refs: make(map[string]struct{}, len(refs))}
	for _, r := range refs {
		if r = strings.TrimSpace(r); r != "" {
			s.refs[r] = struct{}{}
		}
	}
	return s
}

func (s *StaticAuthority) IsValidRef(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, types.Wrap(types.KindCancelled, err, "admission reference check")
	}
	_, ok := s.refs[ref]
	return ok, nil
}

func (s *StaticAuthority) String() string {
	return fmt.Sprintf("static(%d refs)", len(s.refs))
}
