// Package rpc talks to a bitcoind-style JSON-RPC control interface.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Error is a JSON-RPC error object returned by the node.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RejectedError means the node answered submitblock with a rejection reason.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "block rejected: " + e.Reason
}

// BlockTemplate is the subset of getblocktemplate the miner reads.
type BlockTemplate struct {
	Version           int64  `json:"version"`
	PreviousBlockHash string `json:"previousblockhash"`
	Target            string `json:"target"`
	Bits              string `json:"bits"`
	Height            uint64 `json:"height"`
	CurTime           int64  `json:"curtime"`
}

// Options configures a Client. Credentials come from configuration, never constants.
type Options struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// Client is a JSON-RPC 1.0 client over HTTP POST with basic auth.
type Client struct {
	url      string
	user     string
	password string
	http     *http.Client
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// NewClient creates a client with its own http.Client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		url:      opts.URL,
		user:     opts.User,
		password: opts.Password,
		http:     &http.Client{Timeout: opts.Timeout},
	}
}

// Call invokes method and decodes the result into out (which may be nil).
func (c *Client) Call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{JSONRPC: "1.0", ID: uuid.NewString(), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	// bitcoind answers RPC errors with a 500 and a JSON body, so decode first.
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: http status %s", method, resp.Status)
		}
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if r.Error != nil {
		return r.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %s", method, resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(r.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// GetBlockTemplate fetches a segwit block template.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	var tmpl BlockTemplate
	params := []any{map[string]any{"rules": []string{"segwit"}}}
	if err := c.Call(ctx, "getblocktemplate", params, &tmpl); err != nil {
		return nil, err
	}
	if tmpl.PreviousBlockHash == "" {
		return nil, fmt.Errorf("getblocktemplate: response has no previousblockhash")
	}
	return &tmpl, nil
}

// SubmitBlock hands data to the node. A null result means accepted; a string
// result is returned as a *RejectedError.
func (c *Client) SubmitBlock(ctx context.Context, data string) error {
	var reason *string
	if err := c.Call(ctx, "submitblock", []any{data}, &reason); err != nil {
		return err
	}
	if reason != nil && *reason != "" {
		return &RejectedError{Reason: *reason}
	}
	return nil
}
