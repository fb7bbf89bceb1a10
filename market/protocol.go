package market

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mintbay/models"
	"mintbay/signing"
)

// Reason enumerates why an order payload was rejected. Callers branch on
// these; they are never free text.
type Reason string

const (
	ReasonInvalidPrice    Reason = "INVALID_PRICE"
	ReasonExpiredDeadline Reason = "EXPIRED_DEADLINE"
	ReasonInvalidMaker    Reason = "INVALID_MAKER"
	ReasonNonceTooLow     Reason = "NONCE_TOO_LOW"
	ReasonBadSignature    Reason = "BAD_SIGNATURE"
)

// Rejection is a validation failure with its enumerated reason.
type Rejection struct {
	Reason Reason
	Detail string
}

// Error implements the error interface.
func (r *Rejection) Error() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// Validate checks whether a signed order payload is acceptable, short-circuiting
// on the first failure. highestNonce is the largest signer nonce already
// accepted for this maker and asset; zero with hasPrior=false means none.
func Validate(payload signing.OrderPayload, kind models.OrderKind, sig []byte, callerAddress string, now time.Time, highestNonce uint64, hasPrior bool) *Rejection {
	if payload.Price == nil || payload.Price.Sign() <= 0 {
		return &Rejection{Reason: ReasonInvalidPrice, Detail: "price must be positive"}
	}
	if payload.Deadline <= now.Unix() {
		return &Rejection{Reason: ReasonExpiredDeadline, Detail: "deadline already passed"}
	}

	maker := payload.Buyer
	if kind == models.KindListing {
		maker = payload.Seller
		if (payload.Seller == common.Address{}) {
			return &Rejection{Reason: ReasonInvalidMaker, Detail: "seller address required"}
		}
		if !strings.EqualFold(payload.Seller.Hex(), callerAddress) {
			return &Rejection{Reason: ReasonInvalidMaker, Detail: "listing seller must be the authenticated caller"}
		}
	} else {
		// Offers are buyer-initiated against any asset, listed or not.
		if (payload.Buyer == common.Address{}) {
			return &Rejection{Reason: ReasonInvalidMaker, Detail: "buyer address required"}
		}
	}

	if hasPrior && payload.Nonce <= highestNonce {
		return &Rejection{Reason: ReasonNonceTooLow, Detail: fmt.Sprintf("nonce %d not greater than %d", payload.Nonce, highestNonce)}
	}

	digest, err := payload.Hash()
	if err != nil {
		return &Rejection{Reason: ReasonBadSignature, Detail: err.Error()}
	}
	if !signing.Verify(digest, sig, maker.Hex()) {
		return &Rejection{Reason: ReasonBadSignature, Detail: "signature does not recover the maker"}
	}
	return nil
}
