package api

import (
	"net/http"
	"strings"
	"testing"

	"go.uber.org/zap"

	"sbtc.bazaar/bazaar/internal/logger"
	"sbtc.bazaar/bazaar/internal/store"
	"sbtc.bazaar/bazaar/internal/types"
)

func TestHandleLogs(t *testing.T) {
	env := setupTest(t)
	env.submit(t, env.seller, types.TxMintNFT, mintPayload())
	env.submit(t, env.seller, types.TxMintNFT, mintPayload())

	w := env.do(http.MethodGet, "/api/logs?n=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}
	var msgs []logger.Message
	decode(t, w, &msgs)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}

	decode(t, env.do(http.MethodGet, "/api/logs", nil), &msgs)
	relayed := 0
	for _, m := range msgs {
		if m.Text == "API: Relayed transaction" {
			relayed++
		}
	}
	if relayed != 2 {
		t.Errorf("Expected 2 relay log entries, got %d", relayed)
	}

	if w := env.do(http.MethodGet, "/api/logs?n=-3", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status Bad Request, got %d", w.Code)
	}
}

func TestHandleDocs(t *testing.T) {
	env := setupTest(t)

	var names []string
	decode(t, env.do(http.MethodGet, "/api/docs", nil), &names)
	if len(names) != 1 || names[0] != testDocName {
		t.Errorf("Unexpected docs list: %v", names)
	}

	w := env.do(http.MethodGet, "/api/docs/view?name="+testDocName, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Hello bazaar") {
		t.Errorf("Rendered doc is missing its body: %s", w.Body.String())
	}

	for target, want := range map[string]int{
		"/api/docs/view?name=../setup_test.go": http.StatusBadRequest,
		"/api/docs/view?name=missing.adoc":     http.StatusNotFound,
	} {
		if w := env.do(http.MethodGet, target, nil); w.Code != want {
			t.Errorf("%s: expected status %d, got %d", target, want, w.Code)
		}
	}
}

func TestHandleBackups(t *testing.T) {
	env := setupTest(t)
	env.submit(t, env.seller, types.TxMintNFT, mintPayload())
	env.chain.ProduceBlock()

	for i := 0; i < testMaxBackups+1; i++ {
		w := env.do(http.MethodPost, "/api/backups/create", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status OK, got %d: %s", w.Code, w.Body.String())
		}
	}

	w := env.do(http.MethodGet, "/api/backups/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}
	var files []store.BackupFile
	decode(t, w, &files)
	if len(files) != testMaxBackups {
		t.Fatalf("Expected %d backups after pruning, got %d", testMaxBackups, len(files))
	}
	if files[0].Timestamp.Before(files[len(files)-1].Timestamp) {
		t.Errorf("Backups are not newest first: %+v", files)
	}

	w = env.do(http.MethodGet, "/api/backups/download", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Body.String(), "SQLite format 3") {
		t.Errorf("Download is not a SQLite database")
	}

	if w := env.do(http.MethodGet, "/api/backups/create", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status Method Not Allowed, got %d", w.Code)
	}
}

func TestBackupsUnsupported(t *testing.T) {
	svc := NewService(Deps{Logger: zap.NewNop()})
	env := &testEnv{handler: svc.Handler()}

	if w := env.do(http.MethodPost, "/api/backups/create", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status Not Implemented, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/backups/download", nil); w.Code != http.StatusNotImplemented {
		t.Errorf("Expected status Not Implemented, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/docs", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status Not Found, got %d", w.Code)
	}
}
