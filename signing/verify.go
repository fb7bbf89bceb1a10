package signing

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RecoverSigner recovers the address that produced sig over the provided
// 32-byte digest. Wallet signatures carry V as 27/28; normalise before
// handing to secp256k1 recovery.
func RecoverSigner(digest []byte, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig over digest recovers the claimed address.
// Malformed inputs return false, never an error.
func Verify(digest []byte, sig []byte, claimed string) bool {
	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(recovered.Hex(), strings.TrimSpace(claimed))
}

// VerifyPersonal checks a signature made with the wallet personal-sign flow
// (EIP-191 prefixed hash of the message text).
func VerifyPersonal(message string, sig []byte, claimed string) bool {
	return Verify(accounts.TextHash([]byte(message)), sig, claimed)
}
