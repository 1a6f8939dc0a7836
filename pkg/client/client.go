// Package client talks to an anonsignal server on behalf of a member.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relves/anonsignal/internal/retry"
	"github.com/relves/anonsignal/pkg/checkpoint"
	"github.com/relves/anonsignal/pkg/server"
	"github.com/relves/anonsignal/pkg/types"
)

// Client is an HTTP client for the membership, registration and
// verification endpoints. Transport failures and 5xx responses are retried;
// 4xx responses come back as typed errors carrying the server's kind.
type Client struct {
	baseURL string
	http    *http.Client
	retry   retry.Policy
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(cl *Client) { cl.retry = p }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   retry.DefaultPolicy(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MemberList is a parsed and validated member listing.
type MemberList struct {
	GroupID types.GroupID
	Depth   int
	Hasher  string
	Root    types.Hash
	Members []types.Commitment
}

// Members fetches the ordered member list of a group. A list with a
// malformed or duplicate entry is rejected as a whole.
func (c *Client) Members(ctx context.Context, id types.GroupID) (*MemberList, error) {
	var raw server.MembersResponse
	if err := c.do(ctx, http.MethodGet, "/members?groupId="+url.QueryEscape(id.String()), nil, &raw); err != nil {
		return nil, err
	}
	members, err := types.ParseMembers(raw.Members)
	if err != nil {
		return nil, fmt.Errorf("member list of group %s: %w", id, err)
	}
	return &MemberList{
		GroupID: raw.GroupID,
		Depth:   raw.Depth,
		Hasher:  raw.Hasher,
		Root:    raw.Root,
		Members: members,
	}, nil
}

// Group fetches group metadata.
func (c *Client) Group(ctx context.Context, id types.GroupID) (*server.GroupResponse, error) {
	var out server.GroupResponse
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(id.String()), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Checkpoint fetches a group's signed checkpoint and verifies it against
// verifierKey.
func (c *Client) Checkpoint(ctx context.Context, id types.GroupID, verifierKey string) (*checkpoint.Body, error) {
	signed, err := retry.Do(ctx, c.retry, "fetch checkpoint", func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/groups/"+url.PathEscape(id.String())+"/checkpoint", nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if err := retry.CheckStatus(resp); err != nil {
			return nil, err
		}
		return io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	})
	if err != nil {
		return nil, err
	}
	body, err := checkpoint.Open(signed, verifierKey)
	if err != nil {
		return nil, types.Wrap(types.KindMalformedInput, err, "group checkpoint")
	}
	return body, nil
}

// Register submits a registration request.
func (c *Client) Register(ctx context.Context, req types.RegistrationRequest) (*server.RegisterResponse, error) {
	body := server.RegisterRequest{
		Username:     req.Username,
		GroupID:      req.GroupID,
		Commitment:   req.Commitment.Decimal(),
		AdmissionRef: req.AdmissionRef,
	}
	var out server.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/register", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify submits a signal.
func (c *Client) Verify(ctx context.Context, req server.VerifyRequest) (*server.VerifyResponse, error) {
	var out server.VerifyResponse
	if err := c.do(ctx, http.MethodPost, "/verify", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		payload = b
	}

	_, err := retry.Do(ctx, c.retry, method+" "+path, func() (struct{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return struct{}{}, retry.Permanent(decodeError(resp))
		}
		if err := retry.CheckStatus(resp); err != nil {
			io.Copy(io.Discard, resp.Body)
			return struct{}{}, err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, retry.Permanent(types.Wrap(types.KindMalformedInput, err, "decode "+path+" response"))
		}
		return struct{}{}, nil
	})
	return err
}

// decodeError rebuilds the typed error a server reported.
func decodeError(resp *http.Response) error {
	var eb server.ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb); err != nil || eb.Error.Code == "" {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	kind := types.Kind(eb.Error.Code)
	return &types.Error{Kind: kind, Detail: strings.TrimPrefix(eb.Error.Message, eb.Error.Code+": ")}
}
