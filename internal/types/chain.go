package types

import (
	"errors"
	"fmt"
)

// ErrTxNotFound is returned by a chain while a transaction is not yet in a
// committed block.
var ErrTxNotFound = errors.New("transaction not found")

// TxResult is the committed outcome of a transaction.
type TxResult struct {
	Hash   string `json:"hash"`
	Height int64  `json:"height"`
	Code   uint32 `json:"code"`
	Data   []byte `json:"data,omitempty"`
	Log    string `json:"log,omitempty"`
}

// OK reports whether the transaction was applied.
func (r *TxResult) OK() bool {
	return r.Code == 0
}

// TxError reports a transaction rejected before inclusion (CheckTx).
type TxError struct {
	Code uint32
	Log  string
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction rejected with code %d: %s", e.Code, e.Log)
}
