package api

import (
	"net/http"
	"testing"

	"sbtc.bazaar/bazaar/internal/client"
	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/types"
)

func mintPayload() types.MintPayload {
	return types.MintPayload{
		Collateral:  ledger.MinCollateral,
		Name:        "Lantern",
		Description: "a small light",
		ImageURI:    "ipfs://lantern",
	}
}

// seedMarket mints two tokens for the seller and lists the first at 0.05 sBTC.
func seedMarket(t *testing.T, env *testEnv) {
	t.Helper()
	env.submit(t, env.seller, types.TxMintNFT, mintPayload())
	env.submit(t, env.seller, types.TxMintNFT, mintPayload())
	env.chain.ProduceBlock()
	env.submit(t, env.seller, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 5_000_000})
	env.chain.ProduceBlock()
}

func TestHandleMarketplace(t *testing.T) {
	env := setupTest(t)
	seedMarket(t, env)

	w := env.do(http.MethodGet, "/api/marketplace", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}
	var out struct {
		LastTokenID    uint64          `json:"last_token_id"`
		FeeBasisPoints uint64          `json:"fee_basis_points"`
		MinCollateral  uint64          `json:"min_collateral"`
		Treasury       types.Principal `json:"treasury"`
		Height         int64           `json:"height"`
	}
	decode(t, w, &out)
	if out.LastTokenID != 2 || out.FeeBasisPoints != 250 || out.MinCollateral != ledger.MinCollateral {
		t.Errorf("Unexpected marketplace view: %+v", out)
	}
	if out.Treasury != testTreasury || out.Height != 2 {
		t.Errorf("Unexpected treasury or height: %+v", out)
	}

	if w := env.do(http.MethodPost, "/api/marketplace", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status Method Not Allowed, got %d", w.Code)
	}
}

func TestHandleTokensFilters(t *testing.T) {
	env := setupTest(t)
	seedMarket(t, env)

	tests := []struct {
		target string
		want   int
	}{
		{"/api/tokens", 2},
		{"/api/tokens?filter=all", 2},
		{"/api/tokens?filter=listed", 1},
		{"/api/tokens?filter=owned&owner=" + string(env.seller.Principal()), 2},
		{"/api/tokens?filter=owned&owner=" + string(env.buyer.Principal()), 0},
	}
	for _, tc := range tests {
		w := env.do(http.MethodGet, tc.target, nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected status OK, got %d", tc.target, w.Code)
			continue
		}
		var items []client.GalleryItem
		decode(t, w, &items)
		if len(items) != tc.want {
			t.Errorf("%s: expected %d items, got %d", tc.target, tc.want, len(items))
		}
	}

	var listed []client.GalleryItem
	decode(t, env.do(http.MethodGet, "/api/tokens?filter=listed", nil), &listed)
	if len(listed) == 1 && (listed[0].TokenID != 1 || listed[0].Listing == nil || listed[0].Listing.Price != 5_000_000) {
		t.Errorf("Unexpected listed item: %+v", listed[0])
	}

	if w := env.do(http.MethodGet, "/api/tokens?filter=owned", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status Bad Request for owned without owner, got %d", w.Code)
	}
	if w := env.do(http.MethodGet, "/api/tokens?filter=bogus", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status Bad Request for unknown filter, got %d", w.Code)
	}
}

func TestHandleTokenAndListing(t *testing.T) {
	env := setupTest(t)
	seedMarket(t, env)

	w := env.do(http.MethodGet, "/api/tokens/get?id=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}
	var token types.Token
	decode(t, w, &token)
	if token.ID != 1 || token.Owner != env.seller.Principal() || token.Collateral != ledger.MinCollateral {
		t.Errorf("Unexpected token: %+v", token)
	}

	w = env.do(http.MethodGet, "/api/tokens/listing?id=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d", w.Code)
	}
	var listing struct {
		Price     uint64          `json:"price"`
		Seller    types.Principal `json:"seller"`
		Fee       uint64          `json:"fee"`
		Proceeds  uint64          `json:"proceeds"`
		Formatted string          `json:"formatted"`
	}
	decode(t, w, &listing)
	if listing.Fee != 125_000 || listing.Proceeds != 4_875_000 || listing.Seller != env.seller.Principal() {
		t.Errorf("Unexpected listing: %+v", listing)
	}
	if listing.Formatted != "0.05000000 sBTC" {
		t.Errorf("Unexpected formatted price %q", listing.Formatted)
	}

	for target, want := range map[string]int{
		"/api/tokens/get?id=9":     http.StatusNotFound,
		"/api/tokens/get?id=0":     http.StatusBadRequest,
		"/api/tokens/get?id=abc":   http.StatusBadRequest,
		"/api/tokens/listing?id=2": http.StatusNotFound,
	} {
		if w := env.do(http.MethodGet, target, nil); w.Code != want {
			t.Errorf("%s: expected status %d, got %d", target, want, w.Code)
		}
	}
}

func TestHandleBalanceAfterSale(t *testing.T) {
	env := setupTest(t)
	seedMarket(t, env)
	env.submit(t, env.buyer, types.TxBuyNFT, types.TokenPayload{TokenID: 1})
	env.chain.ProduceBlock()

	want := map[types.Principal]uint64{
		env.buyer.Principal():  testBuyerFunds - 5_000_000,
		env.seller.Principal(): 4_875_000,
		testTreasury:           125_000,
	}
	for p, amount := range want {
		w := env.do(http.MethodGet, "/api/balance?principal="+string(p), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected status OK, got %d", w.Code)
		}
		var out struct {
			Balance uint64 `json:"balance"`
		}
		decode(t, w, &out)
		if out.Balance != amount {
			t.Errorf("Balance of %s: expected %d, got %d", p.Short(), amount, out.Balance)
		}
	}

	if w := env.do(http.MethodGet, "/api/balance", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status Bad Request, got %d", w.Code)
	}
}

func TestHandleQueryRelaysValue(t *testing.T) {
	env := setupTest(t)
	seedMarket(t, env)

	// {"token_id":1}
	w := env.do(http.MethodGet, "/api/query?path=/token-owner&data=7b22746f6b656e5f6964223a317d", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status OK, got %d: %s", w.Code, w.Body.String())
	}
	var owner types.Principal
	decode(t, w, &owner)
	if owner != env.seller.Principal() {
		t.Errorf("Expected seller as owner, got %q", owner)
	}

	for target, want := range map[string]int{
		"/api/query?path=/nope":          http.StatusBadGateway,
		"/api/query?path=token":          http.StatusBadRequest,
		"/api/query?path=/token&data=zz": http.StatusBadRequest,
		"/api/query?path=/last-token-id": http.StatusOK,
	} {
		if w := env.do(http.MethodGet, target, nil); w.Code != want {
			t.Errorf("%s: expected status %d, got %d", target, want, w.Code)
		}
	}
}
