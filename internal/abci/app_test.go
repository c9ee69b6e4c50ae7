package abci

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
	"time"

	tmabci "github.com/tendermint/tendermint/abci/types"

	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/store"
	"sbtc.bazaar/bazaar/internal/types"
	"sbtc.bazaar/bazaar/internal/wallet"
)

func newTestWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return wallet.New(priv)
}

func signedTx(t *testing.T, w *wallet.Wallet, txType types.TransactionType, payload interface{}) []byte {
	t.Helper()
	tx, err := types.NewTransaction(txType, payload)
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	stx, err := tx.Sign(w)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, err := json.Marshal(stx)
	if err != nil {
		t.Fatalf("marshal signed tx: %v", err)
	}
	return raw
}

func newTestApp(t *testing.T, opts Options) *ABCIApplication {
	t.Helper()
	app, err := NewABCIApplication(opts)
	if err != nil {
		t.Fatalf("NewABCIApplication: %v", err)
	}
	return app
}

func mintPayload() types.MintPayload {
	return types.MintPayload{Collateral: ledger.MinCollateral, Name: "Genesis", Description: "first", ImageURI: "ipfs://genesis"}
}

// A correctly signed mint passes CheckTx and DeliverTx returns the new id.
func TestMintCheckAndDeliver(t *testing.T) {
	w := newTestWallet(t)
	app := newTestApp(t, Options{})
	txBytes := signedTx(t, w, types.TxMintNFT, mintPayload())

	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: txBytes})
	if resp.Code != CodeTypeOK {
		t.Fatalf("CheckTx failed: code=%d log=%s", resp.Code, resp.Log)
	}

	dresp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: txBytes})
	if dresp.Code != CodeTypeOK {
		t.Fatalf("DeliverTx failed: code=%d log=%s", dresp.Code, dresp.Log)
	}
	var result types.MintResult
	if err := json.Unmarshal(dresp.Data, &result); err != nil {
		t.Fatalf("decode mint result: %v", err)
	}
	if result.TokenID != 1 {
		t.Fatalf("expected token id 1, got %d", result.TokenID)
	}
	if len(dresp.Events) != 1 || dresp.Events[0].Type != EventTypeMarketplace {
		t.Fatalf("expected one marketplace event, got %+v", dresp.Events)
	}

	owner, ok := app.Ledger().TokenOwner(1)
	if !ok || owner != w.Principal() {
		t.Fatalf("expected signer to own token 1, got %q", owner)
	}
}

func TestCheckTxRejectsInvalidSignature(t *testing.T) {
	a := newTestWallet(t)
	b := newTestWallet(t)

	tx, err := types.NewTransaction(types.TxMintNFT, mintPayload())
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	stx, err := tx.Sign(b)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	// claim to be A while carrying B's signature
	stx.PublicKey = []byte(a.PublicKey())
	txBytes, _ := json.Marshal(stx)

	app := newTestApp(t, Options{})
	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: txBytes})
	if resp.Code != CodeTypeAuthError {
		t.Fatalf("expected auth error, got code=%d", resp.Code)
	}
	dresp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: txBytes})
	if dresp.Code != CodeTypeAuthError {
		t.Fatalf("expected auth error on deliver, got code=%d", dresp.Code)
	}
	if app.Ledger().LastTokenID() != 0 {
		t.Fatalf("rejected tx must not mint")
	}
}

func TestCheckTxStatelessValidation(t *testing.T) {
	w := newTestWallet(t)
	app := newTestApp(t, Options{})

	low := mintPayload()
	low.Collateral = ledger.MinCollateral - 1
	resp := app.CheckTx(tmabci.RequestCheckTx{Tx: signedTx(t, w, types.TxMintNFT, low)})
	if resp.Code != ledger.ErrInsufficientCollateral.Code {
		t.Fatalf("expected code %d, got %d", ledger.ErrInsufficientCollateral.Code, resp.Code)
	}

	resp = app.CheckTx(tmabci.RequestCheckTx{Tx: signedTx(t, w, types.TxListNFT, types.ListPayload{TokenID: 1})})
	if resp.Code != ledger.ErrInvalidPrice.Code {
		t.Fatalf("expected code %d, got %d", ledger.ErrInvalidPrice.Code, resp.Code)
	}

	resp = app.CheckTx(tmabci.RequestCheckTx{Tx: signedTx(t, w, "burn_nft", types.TokenPayload{TokenID: 1})})
	if resp.Code != CodeTypeInvalidTx {
		t.Fatalf("expected invalid tx, got %d", resp.Code)
	}

	resp = app.CheckTx(tmabci.RequestCheckTx{Tx: []byte("not json")})
	if resp.Code != CodeTypeEncodingError {
		t.Fatalf("expected encoding error, got %d", resp.Code)
	}
}

// The sale settles through the payment book and the fee reaches the treasury.
func TestDeliverSaleSettlesBalances(t *testing.T) {
	seller := newTestWallet(t)
	buyer := newTestWallet(t)
	treasury := newTestWallet(t).Principal()

	app := newTestApp(t, Options{
		Treasury:        treasury,
		GenesisBalances: map[types.Principal]uint64{buyer.Principal(): 6_000_000},
	})

	steps := []struct {
		signer  *wallet.Wallet
		txType  types.TransactionType
		payload interface{}
	}{
		{seller, types.TxMintNFT, mintPayload()},
		{seller, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 5_000_000}},
		{buyer, types.TxBuyNFT, types.TokenPayload{TokenID: 1}},
	}
	for i, step := range steps {
		resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, step.signer, step.txType, step.payload)})
		if resp.Code != CodeTypeOK {
			t.Fatalf("step %d failed: code=%d log=%s", i, resp.Code, resp.Log)
		}
	}

	if got := app.Book().Balance(buyer.Principal()); got != 1_000_000 {
		t.Fatalf("buyer balance: expected 1000000, got %d", got)
	}
	if got := app.Book().Balance(seller.Principal()); got != 4_875_000 {
		t.Fatalf("seller balance: expected 4875000, got %d", got)
	}
	if got := app.Book().Balance(treasury); got != 125_000 {
		t.Fatalf("treasury balance: expected 125000, got %d", got)
	}

	// a second purchase finds no listing
	resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, buyer, types.TxBuyNFT, types.TokenPayload{TokenID: 1})})
	if resp.Code != ledger.ErrListingNotFound.Code {
		t.Fatalf("expected listing-not-found, got code=%d", resp.Code)
	}
}

func TestDeliverBuyWithoutFundsReportsPaymentFailed(t *testing.T) {
	seller := newTestWallet(t)
	buyer := newTestWallet(t)
	app := newTestApp(t, Options{})

	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, seller, types.TxMintNFT, mintPayload())})
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, seller, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 10})})

	resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, buyer, types.TxBuyNFT, types.TokenPayload{TokenID: 1})})
	if resp.Code != ledger.ErrPaymentFailed.Code {
		t.Fatalf("expected payment failed, got code=%d log=%s", resp.Code, resp.Log)
	}
	if owner, _ := app.Ledger().TokenOwner(1); owner != seller.Principal() {
		t.Fatalf("owner changed after failed payment")
	}
	if _, ok := app.Ledger().TokenListing(1); !ok {
		t.Fatalf("listing removed after failed payment")
	}
}

func TestQueryPaths(t *testing.T) {
	w := newTestWallet(t)
	app := newTestApp(t, Options{GenesisBalances: map[types.Principal]uint64{w.Principal(): 77}})
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, w, types.TxMintNFT, mintPayload())})
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, w, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 5000})})
	app.Commit()

	tokenArg, _ := json.Marshal(types.TokenPayload{TokenID: 1})
	missingArg, _ := json.Marshal(types.TokenPayload{TokenID: 9})
	balanceArg, _ := json.Marshal(BalanceQuery{Principal: w.Principal()})

	cases := []struct {
		path string
		data []byte
		want string
	}{
		{QueryLastTokenID, nil, `1`},
		{QueryMarketplaceFee, nil, `250`},
		{QueryTokenMetadata, tokenArg, `{"name":"Genesis","description":"first","image-uri":"ipfs://genesis"}`},
		{QueryTokenMetadata, missingArg, `null`},
		{QueryTokenListing, tokenArg, `{"price":5000,"seller":"` + string(w.Principal()) + `"}`},
		{QueryTokenListing, missingArg, `null`},
		{QueryTokenOwner, tokenArg, `"` + string(w.Principal()) + `"`},
		{QueryTokenView, tokenArg, `{"token":{"id":1,"owner":"` + string(w.Principal()) +
			`","metadata":{"name":"Genesis","description":"first","image-uri":"ipfs://genesis"},"collateral":1000000},` +
			`"listing":{"price":5000,"seller":"` + string(w.Principal()) + `"}}`},
		{QueryTokenView, missingArg, `null`},
		{QueryBalance, balanceArg, `77`},
	}
	for _, tc := range cases {
		resp := app.Query(tmabci.RequestQuery{Path: tc.path, Data: tc.data})
		if resp.Code != CodeTypeOK {
			t.Fatalf("%s: code=%d log=%s", tc.path, resp.Code, resp.Log)
		}
		if string(resp.Value) != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.path, tc.want, resp.Value)
		}
		if resp.Height != 1 {
			t.Fatalf("%s: expected height 1, got %d", tc.path, resp.Height)
		}
	}

	if resp := app.Query(tmabci.RequestQuery{Path: "/nope"}); resp.Code != CodeTypeUnknownQuery {
		t.Fatalf("expected unknown query code, got %d", resp.Code)
	}
	if resp := app.Query(tmabci.RequestQuery{Path: QueryTokenOwner, Data: []byte("{")}); resp.Code != CodeTypeEncodingError {
		t.Fatalf("expected encoding error for bad data, got %d", resp.Code)
	}
}

// Events are delivered on Commit with the block height.
func TestCommitEmitsEventsWithHeight(t *testing.T) {
	w := newTestWallet(t)
	var got []types.Event
	app := newTestApp(t, Options{OnEvent: func(ev types.Event) { got = append(got, ev) }})

	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, w, types.TxMintNFT, mintPayload())})
	if len(got) != 0 {
		t.Fatalf("events must wait for commit")
	}
	app.Commit()
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, w, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 10})})
	app.Commit()

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != types.EventMinted || got[0].Height != 1 {
		t.Fatalf("unexpected first event: %+v", got[0])
	}
	if got[1].Type != types.EventListed || got[1].Height != 2 {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
}

// State committed to the store is restored by a new application instance.
func TestCommitPersistsAndRestores(t *testing.T) {
	st, err := store.OpenBadger("", nil)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer st.Close()

	w := newTestWallet(t)
	genesis := map[types.Principal]uint64{w.Principal(): 500}
	app := newTestApp(t, Options{Store: st, GenesisBalances: genesis})
	app.DeliverTx(tmabci.RequestDeliverTx{Tx: signedTx(t, w, types.TxMintNFT, mintPayload())})
	commit := app.Commit()
	if len(commit.Data) != 32 {
		t.Fatalf("expected 32-byte app hash, got %d bytes", len(commit.Data))
	}

	restored := newTestApp(t, Options{Store: st, GenesisBalances: map[types.Principal]uint64{w.Principal(): 9999}})
	info := restored.Info(tmabci.RequestInfo{})
	if info.LastBlockHeight != 1 {
		t.Fatalf("expected height 1, got %d", info.LastBlockHeight)
	}
	if !bytes.Equal(info.LastBlockAppHash, commit.Data) {
		t.Fatalf("app hash mismatch after restore")
	}
	if restored.Ledger().LastTokenID() != 1 {
		t.Fatalf("expected restored token")
	}
	// genesis funding applies only to an empty store
	if got := restored.Book().Balance(w.Principal()); got != 500 {
		t.Fatalf("expected balance 500 after restore, got %d", got)
	}
}

func TestStateHashIgnoresHeight(t *testing.T) {
	snap := types.Snapshot{LastTokenID: 1, Tokens: []types.Token{{ID: 1, Owner: "a", Collateral: ledger.MinCollateral}}}
	h1 := StateHash(snap)
	snap.Height = 42
	snap.AppHash = []byte{1}
	if !bytes.Equal(h1, StateHash(snap)) {
		t.Fatalf("state hash should not depend on height")
	}
	snap.Tokens[0].Owner = "b"
	if bytes.Equal(h1, StateHash(snap)) {
		t.Fatalf("state hash should change with owner")
	}
}

func deliverOK(t *testing.T, app *ABCIApplication, tx []byte) {
	t.Helper()
	resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: tx})
	if resp.Code != CodeTypeOK {
		t.Fatalf("DeliverTx failed: code=%d log=%s", resp.Code, resp.Log)
	}
}

// Old signed bytes of a completed purchase cannot buy the token again after
// it was relisted, neither in the same process nor after a restart.
func TestReplayedPurchaseRejected(t *testing.T) {
	st, err := store.OpenBadger("", nil)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer st.Close()

	a := newTestWallet(t)
	b := newTestWallet(t)
	c := newTestWallet(t)
	genesis := map[types.Principal]uint64{b.Principal(): 60_000_000, c.Principal(): 60_000_000}
	app := newTestApp(t, Options{Store: st, GenesisBalances: genesis})

	deliverOK(t, app, signedTx(t, a, types.TxMintNFT, mintPayload()))
	deliverOK(t, app, signedTx(t, a, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 5_000_000}))
	bBuy := signedTx(t, b, types.TxBuyNFT, types.TokenPayload{TokenID: 1})
	deliverOK(t, app, bBuy)
	app.Commit()

	deliverOK(t, app, signedTx(t, b, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 5_000_000}))
	deliverOK(t, app, signedTx(t, c, types.TxBuyNFT, types.TokenPayload{TokenID: 1}))
	deliverOK(t, app, signedTx(t, c, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 50_000_000}))
	app.Commit()

	before := app.Book().Balance(b.Principal())
	if resp := app.CheckTx(tmabci.RequestCheckTx{Tx: bBuy}); resp.Code != CodeTypeReplayedTx {
		t.Fatalf("CheckTx: expected replay code, got %d", resp.Code)
	}
	if resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: bBuy}); resp.Code != CodeTypeReplayedTx {
		t.Fatalf("DeliverTx: expected replay code, got %d", resp.Code)
	}
	if got := app.Book().Balance(b.Principal()); got != before {
		t.Fatalf("replay moved funds: %d -> %d", before, got)
	}
	if owner, _ := app.Ledger().TokenOwner(1); owner != c.Principal() {
		t.Fatalf("replay changed owner")
	}

	restored := newTestApp(t, Options{Store: st})
	if resp := restored.DeliverTx(tmabci.RequestDeliverTx{Tx: bBuy}); resp.Code != CodeTypeReplayedTx {
		t.Fatalf("after restore: expected replay code, got %d", resp.Code)
	}
	if owner, _ := restored.Ledger().TokenOwner(1); owner != c.Principal() {
		t.Fatalf("replay after restore changed owner")
	}
}

// A rejected transaction spends its nonce too.
func TestFailedTransactionNonceIsSpent(t *testing.T) {
	seller := newTestWallet(t)
	buyer := newTestWallet(t)
	app := newTestApp(t, Options{})

	deliverOK(t, app, signedTx(t, seller, types.TxMintNFT, mintPayload()))
	deliverOK(t, app, signedTx(t, seller, types.TxListNFT, types.ListPayload{TokenID: 1, Price: 10}))
	buy := signedTx(t, buyer, types.TxBuyNFT, types.TokenPayload{TokenID: 1})
	if resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: buy}); resp.Code != ledger.ErrPaymentFailed.Code {
		t.Fatalf("expected payment failed, got %d", resp.Code)
	}

	if err := app.Book().Credit(buyer.Principal(), 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: buy}); resp.Code != CodeTypeReplayedTx {
		t.Fatalf("expected replay code, got %d", resp.Code)
	}
	if owner, _ := app.Ledger().TokenOwner(1); owner != seller.Principal() {
		t.Fatalf("replayed purchase changed owner")
	}
}

func TestCheckTxRejectsMissingNonce(t *testing.T) {
	w := newTestWallet(t)
	payload, _ := json.Marshal(mintPayload())
	tx := &types.Transaction{Type: types.TxMintNFT, Timestamp: time.Now().UTC(), Payload: payload}
	stx, err := tx.Sign(w)
	if err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	raw, _ := json.Marshal(stx)

	app := newTestApp(t, Options{})
	if resp := app.CheckTx(tmabci.RequestCheckTx{Tx: raw}); resp.Code != CodeTypeInvalidTx {
		t.Fatalf("expected invalid tx, got %d", resp.Code)
	}
	if resp := app.DeliverTx(tmabci.RequestDeliverTx{Tx: raw}); resp.Code != CodeTypeInvalidTx {
		t.Fatalf("expected invalid tx on deliver, got %d", resp.Code)
	}
}

func TestStateHashCoversNonces(t *testing.T) {
	snap := types.Snapshot{}
	h1 := StateHash(snap)
	snap.Nonces = []string{types.NonceKey("a", "n1")}
	if bytes.Equal(h1, StateHash(snap)) {
		t.Fatalf("state hash should change with nonces")
	}
}

var errDiskFull = errors.New("disk full")

type failingStore struct{}

func (failingStore) Load() (*types.Snapshot, error) { return nil, nil }
func (failingStore) Save(*types.Snapshot) error     { return errDiskFull }
func (failingStore) Close() error                   { return nil }

func commitRecover(app *ABCIApplication) (recovered any) {
	defer func() { recovered = recover() }()
	app.Commit()
	return nil
}

// A block that cannot be persisted is never acknowledged.
func TestCommitPanicsWhenStoreFails(t *testing.T) {
	w := newTestWallet(t)
	var events []types.Event
	app := newTestApp(t, Options{
		Store:   failingStore{},
		OnEvent: func(ev types.Event) { events = append(events, ev) },
	})
	deliverOK(t, app, signedTx(t, w, types.TxMintNFT, mintPayload()))

	r := commitRecover(app)
	if r == nil {
		t.Fatalf("expected Commit to panic")
	}
	err, ok := r.(error)
	if !ok || !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", r)
	}
	if got := app.Height(); got != 0 {
		t.Fatalf("height advanced to %d", got)
	}
	if info := app.Info(tmabci.RequestInfo{}); info.LastBlockAppHash != nil {
		t.Fatalf("app hash advanced")
	}
	if len(events) != 0 {
		t.Fatalf("events emitted for an unpersisted block")
	}
}
