package settlement

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var transferEventSignature = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainClient is the subset of the Ethereum RPC used by the recorder.
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// DialChainClient initialises an EVM RPC client for the provided endpoint.
func DialChainClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// TransferFact is the authoritative transfer extracted from a receipt's
// event log.
type TransferFact struct {
	From    common.Address
	To      common.Address
	TokenID *big.Int
}

// extractTransfer scans the receipt for an ERC-721 Transfer emitted by the
// expected contract and delivered to the expected recipient. All three
// parameters of the 721 event are indexed, so the token id rides in the
// fourth topic.
func extractTransfer(receipt *gethtypes.Receipt, contract, recipient common.Address) (*TransferFact, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		if len(log.Topics) != 4 || log.Topics[0] != transferEventSignature {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		return &TransferFact{
			From:    common.BytesToAddress(log.Topics[1].Bytes()),
			To:      to,
			TokenID: new(big.Int).SetBytes(log.Topics[3].Bytes()),
		}, true
	}
	return nil, false
}

// confirmed reports whether the receipt has reached the requested
// confirmation depth relative to the chain head.
func confirmed(ctx context.Context, client ChainClient, receipt *gethtypes.Receipt, confirmations uint64) (bool, error) {
	if confirmations == 0 {
		return true, nil
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("block metadata unavailable")
	}
	if header.Number.Cmp(receipt.BlockNumber) < 0 {
		return false, nil
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(confirmations)) >= 0, nil
}
