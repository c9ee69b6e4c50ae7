package client

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sbtc.bazaar/bazaar/internal/types"
)

// NodeClient is a Chain that reaches the ledger through a marketplace node's
// HTTP API. It works against both devnet and Tendermint-backed nodes.
type NodeClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewNodeClient creates a client for the node API at baseURL
// (e.g. "http://localhost:8080").
func NewNodeClient(baseURL string) *NodeClient {
	return &NodeClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
	Code  uint32 `json:"code"`
}

// BroadcastTxSync relays tx through the node. A CheckTx rejection comes back
// as *types.TxError.
func (c *NodeClient) BroadcastTxSync(ctx context.Context, tx []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/tx", bytes.NewReader(tx))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		var out struct {
			Hash string `json:"hash"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode broadcast response: %w", err)
		}
		return out.Hash, nil
	case http.StatusUnprocessableEntity:
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return "", fmt.Errorf("decode rejection: %w", err)
		}
		return "", &types.TxError{Code: apiErr.Code, Log: apiErr.Error}
	default:
		return "", statusError(resp)
	}
}

// QueryTx returns the committed result of hash or types.ErrTxNotFound.
func (c *NodeClient) QueryTx(ctx context.Context, hash string) (*types.TxResult, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tx?hash="+url.QueryEscape(hash), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res types.TxResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("decode tx result: %w", err)
		}
		return &res, nil
	case http.StatusNotFound:
		return nil, types.ErrTxNotFound
	default:
		return nil, statusError(resp)
	}
}

// ABCIQuery runs a read-only query through the node.
func (c *NodeClient) ABCIQuery(ctx context.Context, path string, data []byte) ([]byte, error) {
	q := url.Values{}
	q.Set("path", path)
	q.Set("data", hex.EncodeToString(data))
	resp, err := c.do(ctx, http.MethodGet, "/api/query?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *NodeClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

func statusError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("node returned %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("node returned %d", resp.StatusCode)
}
