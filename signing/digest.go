package signing

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// orderDomain separates order digests from every other message the service
// could ever ask a wallet to sign.
const orderDomain = "mintbay-order-v1"

// OrderPayload carries the fixed field set a maker signs. Every field
// participates in the digest, so two semantically different orders cannot
// share a signature.
type OrderPayload struct {
	Seller   common.Address
	Buyer    common.Address
	NFT      common.Address
	TokenID  *big.Int
	Currency common.Address
	Price    *big.Int
	Nonce    uint64
	Deadline int64
}

// Hash produces the deterministic keccak256 digest of the payload.
func (p OrderPayload) Hash() ([]byte, error) {
	if p.Price == nil {
		return nil, fmt.Errorf("price required")
	}
	tokenID := "-"
	if p.TokenID != nil {
		tokenID = p.TokenID.String()
	}
	payload := fmt.Sprintf("%s|seller=%s|buyer=%s|nft=%s|token=%s|currency=%s|price=%s|nonce=%d|deadline=%d",
		orderDomain,
		strings.ToLower(p.Seller.Hex()),
		strings.ToLower(p.Buyer.Hex()),
		strings.ToLower(p.NFT.Hex()),
		tokenID,
		strings.ToLower(p.Currency.Hex()),
		p.Price.String(),
		p.Nonce,
		p.Deadline,
	)
	return ethcrypto.Keccak256([]byte(payload)), nil
}
