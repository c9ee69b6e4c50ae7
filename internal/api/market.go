package api

import (
	"net/http"
	"strconv"

	"sbtc.bazaar/bazaar/internal/client"
	"sbtc.bazaar/bazaar/internal/ledger"
	"sbtc.bazaar/bazaar/internal/types"
)

func parseTokenID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// @Title: Get Marketplace
// @Route: GET /api/marketplace
// @Description: Marketplace parameters and counters
// @Response: {"last_token_id": 3, "fee_basis_points": 250, "min_collateral": 1000000, ...}
func (s *Service) HandleMarketplace(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_token_id":    s.market.LastTokenID(),
		"fee_basis_points": s.market.MarketplaceFee(),
		"min_collateral":   uint64(ledger.MinCollateral),
		"treasury":         s.market.Treasury(),
		"height":           s.height(),
	})
}

// @Title: List Tokens
// @Route: GET /api/tokens?filter=all|listed|owned&owner=
// @Description: All minted tokens with their active listing; owned requires owner
// @Response: [{"token_id": 1, "owner": "...", "metadata": {...}, "listing": {...}}]
func (s *Service) HandleTokens(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	filter, err := client.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	owner := types.Principal(r.URL.Query().Get("owner"))
	if filter == client.FilterOwned && owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner is required for the owned filter")
		return
	}

	last := s.market.LastTokenID()
	items := make([]client.GalleryItem, 0, last)
	for id := uint64(1); id <= last; id++ {
		view, ok := s.market.TokenView(id)
		if !ok {
			continue
		}
		item := client.GalleryItem{
			TokenID:  id,
			Owner:    view.Token.Owner,
			Metadata: view.Token.Metadata,
			Listing:  view.Listing,
		}
		switch filter {
		case client.FilterListed:
			if item.Listing == nil {
				continue
			}
		case client.FilterOwned:
			if item.Owner != owner {
				continue
			}
		}
		items = append(items, item)
	}
	s.writeJSON(w, http.StatusOK, items)
}

// @Title: Get Token
// @Route: GET /api/tokens/get?id=
// @Description: Full token record including owner and collateral
// @Response: {"id": 1, "owner": "...", "metadata": {...}, "collateral": 1000000}
func (s *Service) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := parseTokenID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	token, ok := s.market.Token(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Token not found")
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

// @Title: Get Token Listing
// @Route: GET /api/tokens/listing?id=
// @Description: Active listing of a token with the fee split
// @Response: {"price": 5000000, "seller": "...", "fee": 125000, "proceeds": 4875000, "formatted": "0.05000000 sBTC"}
func (s *Service) HandleTokenListing(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := parseTokenID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	listing, ok := s.market.TokenListing(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "Listing not found")
		return
	}
	fee, proceeds := ledger.SplitPrice(listing.Price, s.market.MarketplaceFee())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"price":     listing.Price,
		"seller":    listing.Seller,
		"fee":       fee,
		"proceeds":  proceeds,
		"formatted": client.FormatPrice(listing.Price),
	})
}

// @Title: Get Balance
// @Route: GET /api/balance?principal=
// @Description: Payment balance of a principal
// @Response: {"principal": "...", "balance": 6000000, "formatted": "0.06000000 sBTC"}
func (s *Service) HandleBalance(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	p := types.Principal(r.URL.Query().Get("principal"))
	if p == "" {
		s.writeError(w, http.StatusBadRequest, "principal is required")
		return
	}
	balance := s.balances.Balance(p)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"principal": p,
		"balance":   balance,
		"formatted": client.FormatPrice(balance),
	})
}
