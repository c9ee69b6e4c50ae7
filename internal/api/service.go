// Package api is the node's HTTP surface: read-only JSON views of the
// marketplace, a relay for signed transactions, the log buffer, rendered
// documentation and a websocket feed of committed marketplace events.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/docs"
	"sbtc.bazaar/bazaar/internal/logger"
	"sbtc.bazaar/bazaar/internal/store"
	"sbtc.bazaar/bazaar/internal/types"
)

// Market is the read side of the ledger used by the API.
type Market interface {
	LastTokenID() uint64
	MarketplaceFee() uint64
	Treasury() types.Principal
	Token(tokenID uint64) (types.Token, bool)
	TokenListing(tokenID uint64) (types.Listing, bool)
	TokenView(tokenID uint64) (types.TokenView, bool)
}

// Balances reads payment balances.
type Balances interface {
	Balance(p types.Principal) uint64
}

// Chain relays transactions to the execution environment.
type Chain interface {
	BroadcastTxSync(ctx context.Context, tx []byte) (string, error)
	QueryTx(ctx context.Context, hash string) (*types.TxResult, error)
	ABCIQuery(ctx context.Context, path string, data []byte) ([]byte, error)
}

// Deps are the collaborators of a Service. Backups and Docs are optional.
type Deps struct {
	Market     Market
	Balances   Balances
	Chain      Chain
	Height     func() int64
	Backups    store.Backupper
	MaxBackups int
	Docs       *docs.Service
	Logs       *logger.Ring
	Logger     *zap.Logger
}

// Service handles API requests
type Service struct {
	market     Market
	balances   Balances
	chain      Chain
	height     func() int64
	backups    store.Backupper
	maxBackups int
	docs       *docs.Service
	logs       *logger.Ring
	log        *zap.Logger
	hub        *Hub
	startedAt  time.Time
}

// NewService creates a new API service
func NewService(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	height := d.Height
	if height == nil {
		height = func() int64 { return 0 }
	}
	logs := d.Logs
	if logs == nil {
		logs = logger.NewRing(1)
	}
	return &Service{
		market:     d.Market,
		balances:   d.Balances,
		chain:      d.Chain,
		height:     height,
		backups:    d.Backups,
		maxBackups: d.MaxBackups,
		docs:       d.Docs,
		logs:       logs,
		log:        log,
		hub:        NewHub(log.Named("activity")),
		startedAt:  time.Now(),
	}
}

// Hub returns the activity hub that fans marketplace events out to websocket
// subscribers.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Handler returns the routed HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.HandleHealth)
	mux.HandleFunc("/api/version", s.HandleVersion)
	mux.HandleFunc("/api/marketplace", s.HandleMarketplace)
	mux.HandleFunc("/api/tokens", s.HandleTokens)
	mux.HandleFunc("/api/tokens/get", s.HandleToken)
	mux.HandleFunc("/api/tokens/listing", s.HandleTokenListing)
	mux.HandleFunc("/api/balance", s.HandleBalance)
	mux.HandleFunc("/api/tx", s.HandleTx)
	mux.HandleFunc("/api/query", s.HandleQuery)
	mux.HandleFunc("/api/logs", s.HandleLogs)
	mux.HandleFunc("/api/docs", s.HandleDocs)
	mux.HandleFunc("/api/docs/view", s.HandleDocView)
	mux.HandleFunc("/api/backups/create", s.HandleBackupCreate)
	mux.HandleFunc("/api/backups/list", s.HandleBackupsList)
	mux.HandleFunc("/api/backups/download", s.HandleBackupDownload)

	mux.HandleFunc("/ws/activity", s.HandleActivityWS)

	return s.withLogging(mux)
}

func (s *Service) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

// writeJSON writes a JSON response
func (s *Service) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Service) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func allowMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	return false
}
