package ledger

import (
	"math/bits"

	"sbtc.bazaar/bazaar/internal/types"
)

const (
	// MinCollateral is the smallest collateral accepted by mint (0.01 sBTC).
	MinCollateral uint64 = 1_000_000

	// FeeBasisPoints is the platform cut of every sale (2.5%).
	FeeBasisPoints uint64 = 250

	MaxNameLength        = 64
	MaxDescriptionLength = 256
	MaxImageURILength    = 256

	basisPointsDenominator = 10_000
)

// ValidateMint performs the checks mint applies before touching state.
// CheckTx uses it to reject bad transactions before they reach a block.
func ValidateMint(collateral uint64, meta types.Metadata) error {
	if collateral < MinCollateral {
		return ErrInsufficientCollateral
	}
	if len(meta.Name) > MaxNameLength ||
		len(meta.Description) > MaxDescriptionLength ||
		len(meta.ImageURI) > MaxImageURILength {
		return ErrInvalidMetadata
	}
	return nil
}

// ValidatePrice rejects zero prices.
func ValidatePrice(price uint64) error {
	if price == 0 {
		return ErrInvalidPrice
	}
	return nil
}

// SplitPrice computes the platform fee and the seller proceeds of a sale.
// The fee is floor(price * bp / 10000), computed in 128 bits so large prices
// cannot overflow.
func SplitPrice(price, basisPoints uint64) (fee, proceeds uint64) {
	hi, lo := bits.Mul64(price, basisPoints)
	fee, _ = bits.Div64(hi, lo, basisPointsDenominator)
	return fee, price - fee
}
