package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mintbay/market"
	"mintbay/models"
)

const defaultReconcileGrace = 30 * time.Second

// Recorder converges the ledger with chain-observed fact exactly once per
// transaction hash and drives dependent asset and order state.
type Recorder struct {
	db             *gorm.DB
	chain          ChainClient
	lifecycle      *market.Lifecycle
	confirmations  uint64
	reconcileGrace time.Duration
	nowFn          func() time.Time
	logger         *slog.Logger
}

// RecorderConfig captures the dependencies required to construct a Recorder.
type RecorderConfig struct {
	DB             *gorm.DB
	Chain          ChainClient
	Lifecycle      *market.Lifecycle
	Confirmations  uint64
	ReconcileGrace time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// NewRecorder constructs the settlement recorder.
func NewRecorder(cfg RecorderConfig) *Recorder {
	grace := cfg.ReconcileGrace
	if grace <= 0 {
		grace = defaultReconcileGrace
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:             cfg.DB,
		chain:          cfg.Chain,
		lifecycle:      cfg.Lifecycle,
		confirmations:  cfg.Confirmations,
		reconcileGrace: grace,
		nowFn:          nowFn,
		logger:         logger,
	}
}

// RecordRequest describes a settlement the application expects to observe.
type RecordRequest struct {
	TxHash            common.Hash
	AssetID           uuid.UUID
	OrderID           *uuid.UUID
	Type              models.TransactionType
	ExpectedContract  common.Address
	ExpectedRecipient common.Address
	SellerAddress     string
	Price             string
	Currency          string
}

// RecordSettlement ingests the receipt for the requested hash and applies its
// consequences. Recording the same hash twice is a no-op after the first
// write: the stored row is returned unchanged and no side effect re-applies.
// A receipt that is missing, unconfirmed, or not yet parsable produces a
// Pending row the reconciliation pass re-checks; it is not an error.
func (r *Recorder) RecordSettlement(ctx context.Context, req RecordRequest) (*models.Transaction, error) {
	if (req.TxHash == common.Hash{}) {
		return nil, fmt.Errorf("tx hash required")
	}
	hash := strings.ToLower(req.TxHash.Hex())

	var existing models.Transaction
	err := r.db.WithContext(ctx).First(&existing, "tx_hash = ?", hash).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load transaction: %w", err)
	}

	receipt, err := r.chain.TransactionReceipt(ctx, req.TxHash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt == nil {
		return r.writeRow(ctx, req, hash, models.TxPending, nil)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return r.writeRow(ctx, req, hash, models.TxFailed, nil)
	}
	ok, err := confirmed(ctx, r.chain, receipt, r.confirmations)
	if err != nil {
		return nil, err
	}
	if !ok {
		return r.writeRow(ctx, req, hash, models.TxPending, nil)
	}
	fact, found := extractTransfer(receipt, req.ExpectedContract, req.ExpectedRecipient)
	if !found {
		// Recoverable: the event may appear on a later re-fetch. Never guess.
		return r.writeRow(ctx, req, hash, models.TxPending, nil)
	}
	return r.writeRow(ctx, req, hash, models.TxSuccessful, fact)
}

// writeRow inserts the ledger row, applying side effects only when the insert
// wins the hash-uniqueness race and the settlement succeeded.
func (r *Recorder) writeRow(ctx context.Context, req RecordRequest, hash string, status models.TransactionStatus, fact *TransferFact) (*models.Transaction, error) {
	now := r.nowFn().UTC()
	row := models.Transaction{
		ID:            uuid.New(),
		TxHash:        hash,
		AssetID:       req.AssetID,
		OrderID:       req.OrderID,
		Type:          req.Type,
		Status:        status,
		Price:         req.Price,
		Currency:      strings.ToLower(req.Currency),
		SellerAddress: strings.ToLower(req.SellerAddress),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if fact != nil {
		row.BuyerAddress = strings.ToLower(fact.To.Hex())
		row.FinalizedAt = &now
	} else {
		// The expected recipient rides on the row so a reconciliation pass
		// can re-check the receipt without the original request.
		row.BuyerAddress = strings.ToLower(req.ExpectedRecipient.Hex())
	}

	var out models.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_hash"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			return fmt.Errorf("insert transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// A concurrent recorder beat us to the hash; its row stands.
			if err := tx.First(&out, "tx_hash = ?", hash).Error; err != nil {
				return fmt.Errorf("reload transaction: %w", err)
			}
			return nil
		}
		out = row
		if status != models.TxSuccessful || fact == nil {
			return nil
		}
		return r.applySideEffects(tx, req, &row, fact, now)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// applySideEffects moves asset ownership and order status in the same
// database transaction as the ledger write.
func (r *Recorder) applySideEffects(tx *gorm.DB, req RecordRequest, row *models.Transaction, fact *TransferFact, now time.Time) error {
	recipient := strings.ToLower(fact.To.Hex())

	updates := map[string]any{
		"owner_address": recipient,
		"market_status": models.MarketNotListed,
		"list_price":    nil,
		"list_currency": nil,
		"updated_at":    now,
	}
	var owner models.Identity
	if err := tx.First(&owner, "wallet_address = ?", recipient).Error; err == nil {
		updates["owner_id"] = owner.ID
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("load recipient identity: %w", err)
	} else {
		updates["owner_id"] = nil
	}
	if err := tx.Model(&models.Asset{}).Where("id = ?", req.AssetID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update asset owner: %w", err)
	}
	if req.Type == models.TxSale {
		if err := tx.Model(&models.Asset{}).Where("id = ?", req.AssetID).Updates(map[string]any{
			"last_sale_price":    row.Price,
			"last_sale_currency": row.Currency,
		}).Error; err != nil {
			return fmt.Errorf("update last sale: %w", err)
		}
	}
	if req.Type == models.TxMint && fact.TokenID != nil {
		tokenID := fact.TokenID.String()
		if err := tx.Model(&models.Asset{}).
			Where("id = ? AND token_id IS NULL", req.AssetID).
			Update("token_id", tokenID).Error; err != nil {
			return fmt.Errorf("assign token id: %w", err)
		}
	}

	if req.OrderID != nil {
		if err := r.lifecycle.ConfirmFilled(tx, *req.OrderID, recipient, now); err != nil {
			return err
		}
	}

	activity := models.ActivityLog{
		ID:        uuid.New(),
		AssetID:   &req.AssetID,
		OrderID:   req.OrderID,
		Action:    "settlement." + strings.ToLower(string(req.Type)),
		Details:   row.TxHash,
		CreatedAt: now,
	}
	if err := tx.Create(&activity).Error; err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}
