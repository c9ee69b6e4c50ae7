package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sbtc.bazaar/bazaar/internal/abci"
	"sbtc.bazaar/bazaar/internal/devnet"
	"sbtc.bazaar/bazaar/internal/docs"
	"sbtc.bazaar/bazaar/internal/logger"
	"sbtc.bazaar/bazaar/internal/store"
	"sbtc.bazaar/bazaar/internal/types"
	"sbtc.bazaar/bazaar/internal/wallet"
)

const (
	testTreasury      = types.Principal("treasury")
	testBuyerFunds    = 10_000_000
	testDocName       = "guide.adoc"
	testDocBody       = "= Guide\n\nHello bazaar\n"
	testMaxBackups    = 3
	testLogBufferSize = 50
)

type testEnv struct {
	svc     *Service
	handler http.Handler
	app     *abci.ABCIApplication
	chain   *devnet.Chain
	ring    *logger.Ring
	seller  *wallet.Wallet
	buyer   *wallet.Wallet
}

func newTestWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return wallet.New(priv)
}

// setupTest wires a service over a devnet chain backed by a temporary SQLite
// store and docs directory.
func setupTest(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dir, "marketplace.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	docsDir := filepath.Join(dir, "docs")
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		t.Fatalf("Failed to create docs dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(docsDir, testDocName), []byte(testDocBody), 0o644); err != nil {
		t.Fatalf("Failed to write doc: %v", err)
	}

	env := &testEnv{
		seller: newTestWallet(t),
		buyer:  newTestWallet(t),
		ring:   logger.NewRing(testLogBufferSize),
	}
	env.app, err = abci.NewABCIApplication(abci.Options{
		Store:           st,
		Treasury:        testTreasury,
		GenesisBalances: map[types.Principal]uint64{env.buyer.Principal(): testBuyerFunds},
	})
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	env.chain = devnet.New(env.app)

	env.svc = NewService(Deps{
		Market:     env.app.Ledger(),
		Balances:   env.app.Book(),
		Chain:      env.chain,
		Height:     env.app.Height,
		Backups:    st,
		MaxBackups: testMaxBackups,
		Docs:       docs.NewService(docsDir),
		Logs:       env.ring,
		Logger:     zap.New(logger.NewRingCore(env.ring, zapcore.DebugLevel)),
	})
	env.app.SetEventHandler(env.svc.Hub().Publish)
	env.handler = env.svc.Handler()
	return env
}

func (e *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func signedTx(t *testing.T, w *wallet.Wallet, txType types.TransactionType, payload interface{}) []byte {
	t.Helper()
	tx, err := types.NewTransaction(txType, payload)
	if err != nil {
		t.Fatalf("Failed to build tx: %v", err)
	}
	stx, err := tx.Sign(w)
	if err != nil {
		t.Fatalf("Failed to sign tx: %v", err)
	}
	raw, err := json.Marshal(stx)
	if err != nil {
		t.Fatalf("Failed to marshal tx: %v", err)
	}
	return raw
}

// submit relays a transaction through the API and returns its hash.
func (e *testEnv) submit(t *testing.T, w *wallet.Wallet, txType types.TransactionType, payload interface{}) string {
	t.Helper()
	resp := e.do(http.MethodPost, "/api/tx", signedTx(t, w, txType, payload))
	if resp.Code != http.StatusAccepted {
		t.Fatalf("Expected status Accepted, got %d: %s", resp.Code, resp.Body.String())
	}
	var out map[string]string
	decode(t, resp, &out)
	return out["hash"]
}

func decode(t *testing.T, resp *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", resp.Body.String(), err)
	}
}
