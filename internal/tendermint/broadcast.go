// Package tendermint - Transaction broadcasting via Tendermint RPC
//
// This file provides the JSON-RPC client used to submit marketplace
// transactions, look up their committed results and run ABCI queries.
package tendermint

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sbtc.bazaar/bazaar/internal/types"
)

// RPCError is a JSON-RPC level error returned by Tendermint.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s (%s)", e.Code, e.Message, e.Data)
}

// BroadcastClient wraps a Tendermint RPC endpoint.
type BroadcastClient struct {
	rpcAddr string
	client  *http.Client
}

// NewBroadcastClient creates a new Tendermint RPC client.
//
// Parameters:
//   - rpcAddr: Tendermint RPC address (e.g., "http://localhost:26657")
func NewBroadcastClient(rpcAddr string) *BroadcastClient {
	if rpcAddr == "" {
		rpcAddr = "http://localhost:26657"
	}

	return &BroadcastClient{
		rpcAddr: rpcAddr,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// BroadcastTxSync broadcasts a transaction and returns after CheckTx passes.
// The result is not committed yet; poll QueryTx with the returned hash.
// A CheckTx rejection is returned as *types.TxError.
func (bc *BroadcastClient) BroadcastTxSync(ctx context.Context, tx []byte) (string, error) {
	var res broadcastResult
	if err := bc.call(ctx, "broadcast_tx_sync", map[string]string{"tx": base64.StdEncoding.EncodeToString(tx)}, &res); err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", &types.TxError{Code: res.Code, Log: res.Log}
	}
	return res.Hash, nil
}

// BroadcastTxCommit broadcasts a transaction and waits for it to be committed
// to a block. Use it when the caller needs the DeliverTx result inline.
func (bc *BroadcastClient) BroadcastTxCommit(ctx context.Context, tx []byte) (*types.TxResult, error) {
	var res struct {
		CheckTx   txResponse `json:"check_tx"`
		DeliverTx txResponse `json:"deliver_tx"`
		Hash      string     `json:"hash"`
		Height    string     `json:"height"`
	}
	if err := bc.call(ctx, "broadcast_tx_commit", map[string]string{"tx": base64.StdEncoding.EncodeToString(tx)}, &res); err != nil {
		return nil, err
	}
	if res.CheckTx.Code != 0 {
		return nil, &types.TxError{Code: res.CheckTx.Code, Log: res.CheckTx.Log}
	}
	height, _ := strconv.ParseInt(res.Height, 10, 64)
	return &types.TxResult{
		Hash:   res.Hash,
		Height: height,
		Code:   res.DeliverTx.Code,
		Data:   res.DeliverTx.Data,
		Log:    res.DeliverTx.Log,
	}, nil
}

// BroadcastSignedTransaction marshals a SignedTransaction and broadcasts it
// with BroadcastTxSync.
func (bc *BroadcastClient) BroadcastSignedTransaction(ctx context.Context, signedTx *types.SignedTransaction) (string, error) {
	txBytes, err := json.Marshal(signedTx)
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	return bc.BroadcastTxSync(ctx, txBytes)
}

// QueryTx looks up a committed transaction by its hex hash. It returns
// types.ErrTxNotFound while the transaction is not yet in a block.
func (bc *BroadcastClient) QueryTx(ctx context.Context, txHash string) (*types.TxResult, error) {
	raw, err := hex.DecodeString(txHash)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hash %q: %w", txHash, err)
	}

	var res struct {
		Hash     string     `json:"hash"`
		Height   string     `json:"height"`
		TxResult txResponse `json:"tx_result"`
	}
	err = bc.call(ctx, "tx", map[string]interface{}{
		"hash":  base64.StdEncoding.EncodeToString(raw),
		"prove": false,
	}, &res)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && strings.Contains(rpcErr.Data, "not found") {
			return nil, types.ErrTxNotFound
		}
		return nil, err
	}

	height, err := strconv.ParseInt(res.Height, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid height %q: %w", res.Height, err)
	}
	return &types.TxResult{
		Hash:   res.Hash,
		Height: height,
		Code:   res.TxResult.Code,
		Data:   res.TxResult.Data,
		Log:    res.TxResult.Log,
	}, nil
}

// ABCIQuery runs a read-only query against the application state and
// returns the response value.
func (bc *BroadcastClient) ABCIQuery(ctx context.Context, path string, data []byte) ([]byte, error) {
	var res struct {
		Response struct {
			Code  uint32 `json:"code"`
			Log   string `json:"log"`
			Value []byte `json:"value"`
		} `json:"response"`
	}
	err := bc.call(ctx, "abci_query", map[string]interface{}{
		"path":  path,
		"data":  hex.EncodeToString(data),
		"prove": false,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Response.Code != 0 {
		return nil, fmt.Errorf("query %s failed with code %d: %s", path, res.Response.Code, res.Response.Log)
	}
	return res.Response.Value, nil
}

// txResponse mirrors the CheckTx/DeliverTx result JSON. Data is base64 and
// decodes straight into []byte.
type txResponse struct {
	Code uint32 `json:"code"`
	Data []byte `json:"data"`
	Log  string `json:"log"`
}

type broadcastResult struct {
	Code uint32 `json:"code"`
	Data []byte `json:"data"`
	Log  string `json:"log"`
	Hash string `json:"hash"`
}

// call performs one JSON-RPC request and decodes its result into out.
func (bc *BroadcastClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal RPC request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, bc.rpcAddr, bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to build RPC request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := bc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send RPC request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read RPC response: %w", err)
	}

	var rpcResp struct {
		JSONRPC string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse RPC response: %w (body: %s)", err, string(respBytes))
	}

	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}
