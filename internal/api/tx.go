package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/types"
)

const maxTxBytes = 64 << 10

// HandleTx serves both halves of /api/tx.
func (s *Service) HandleTx(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleTxStatus(w, r)
	case http.MethodPost:
		s.handleTxSubmit(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// @Title: Submit Transaction
// @Route: POST /api/tx
// @Description: Relay a signed transaction to the chain; CheckTx rejections return 422 with the ledger code
// @Response: {"hash": "..."}
func (s *Service) handleTxSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTxBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read body")
		return
	}
	if len(body) > maxTxBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Transaction too large")
		return
	}
	var signed types.SignedTransaction
	if err := json.Unmarshal(body, &signed); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	hash, err := s.chain.BroadcastTxSync(r.Context(), body)
	if err != nil {
		var txErr *types.TxError
		if errors.As(err, &txErr) {
			resp := map[string]interface{}{"error": txErr.Log, "code": txErr.Code}
			if lerr := ledger.ErrorFromCode(txErr.Code); lerr != nil {
				resp["error"] = lerr.Error()
			}
			s.writeJSON(w, http.StatusUnprocessableEntity, resp)
			return
		}
		s.log.Error("Failed to relay transaction", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "Failed to relay transaction")
		return
	}

	s.log.Info("API: Relayed transaction", zap.String("hash", hash), zap.String("signer", signed.Signer().Short()))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"hash": hash})
}

// @Title: Get Transaction
// @Route: GET /api/tx?hash=
// @Description: Delivery result of a committed transaction
// @Response: {"hash": "...", "height": 4, "code": 0, "log": ""}
func (s *Service) handleTxStatus(w http.ResponseWriter, r *http.Request) {
	hash := strings.TrimSpace(r.URL.Query().Get("hash"))
	if hash == "" {
		s.writeError(w, http.StatusBadRequest, "hash is required")
		return
	}
	res, err := s.chain.QueryTx(r.Context(), hash)
	if errors.Is(err, types.ErrTxNotFound) {
		s.writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		s.log.Error("Failed to query transaction", zap.String("hash", hash), zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "Failed to query transaction")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
