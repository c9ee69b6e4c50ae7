package client

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"sbtc.bazaar/bazaar/internal/types"
)

// Filter selects which tokens Gallery returns.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterOwned  Filter = "owned"
	FilterListed Filter = "listed"
)

// ParseFilter validates a filter name. The empty string means FilterAll.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(s); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterOwned, FilterListed:
		return f, nil
	default:
		return "", fmt.Errorf("unknown gallery filter %q", s)
	}
}

// GalleryItem is one token as shown in the gallery.
type GalleryItem struct {
	TokenID  uint64          `json:"token_id"`
	Owner    types.Principal `json:"owner"`
	Metadata types.Metadata  `json:"metadata"`
	Listing  *types.Listing  `json:"listing,omitempty"`
}

// Gallery loads every minted token and returns those matching filter in id
// order. FilterOwned needs a connected wallet and compares against the
// token owner.
func (a *Adapter) Gallery(ctx context.Context, filter Filter) ([]GalleryItem, error) {
	filter, err := ParseFilter(string(filter))
	if err != nil {
		return nil, err
	}

	var me types.Principal
	if filter == FilterOwned {
		p, err := a.Principal()
		if err != nil {
			return nil, err
		}
		me = p
	}

	last, err := a.LastTokenID(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*GalleryItem, last)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.galleryConcurrency)
	for id := uint64(1); id <= last; id++ {
		g.Go(func() error {
			view, err := a.TokenView(gctx, id)
			if err != nil {
				return fmt.Errorf("load token %d: %w", id, err)
			}
			if view == nil {
				return nil
			}
			items[id-1] = &GalleryItem{
				TokenID:  id,
				Owner:    view.Token.Owner,
				Metadata: view.Token.Metadata,
				Listing:  view.Listing,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]GalleryItem, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		switch filter {
		case FilterOwned:
			if it.Owner != me {
				continue
			}
		case FilterListed:
			if it.Listing == nil {
				continue
			}
		}
		out = append(out, *it)
	}
	return out, nil
}
