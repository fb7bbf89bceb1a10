package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"gorm.io/gorm"

	"mintbay/models"
)

// Reconcile re-checks Pending ledger rows past the grace period: re-fetches
// their receipts and re-attempts event extraction. Convergence to Failed or
// Successful is a compare-and-set on the Pending status, so concurrent
// reconcilers cannot double-credit a receipt. Returns the number of rows
// that reached a terminal status.
func (r *Recorder) Reconcile(ctx context.Context) (int, error) {
	cutoff := r.nowFn().UTC().Add(-r.reconcileGrace)
	var pending []models.Transaction
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at <= ?", models.TxPending, cutoff).
		Find(&pending).Error; err != nil {
		return 0, fmt.Errorf("load pending transactions: %w", err)
	}

	finalized := 0
	for i := range pending {
		row := pending[i]
		done, err := r.reconcileRow(ctx, &row)
		if err != nil {
			return finalized, err
		}
		if done {
			finalized++
		}
	}
	return finalized, nil
}

func (r *Recorder) reconcileRow(ctx context.Context, row *models.Transaction) (bool, error) {
	hash := common.HexToHash(row.TxHash)
	receipt, err := r.chain.TransactionReceipt(ctx, hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		return false, fmt.Errorf("fetch receipt %s: %w", row.TxHash, err)
	}
	now := r.nowFn().UTC()
	if receipt == nil {
		// Still unobserved; push the next check out by the grace period.
		err := r.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ? AND status = ?", row.ID, models.TxPending).
			Update("updated_at", now).Error
		if err != nil {
			return false, fmt.Errorf("touch pending row: %w", err)
		}
		return false, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		res := r.db.WithContext(ctx).Model(&models.Transaction{}).
			Where("id = ? AND status = ?", row.ID, models.TxPending).
			Updates(map[string]any{"status": models.TxFailed, "updated_at": now})
		if res.Error != nil {
			return false, fmt.Errorf("mark settlement failed: %w", res.Error)
		}
		return res.RowsAffected > 0, nil
	}

	ok, err := confirmed(ctx, r.chain, receipt, r.confirmations)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var asset models.Asset
	if err := r.db.WithContext(ctx).First(&asset, "id = ?", row.AssetID).Error; err != nil {
		return false, fmt.Errorf("load asset for pending row: %w", err)
	}
	contract := common.HexToAddress(asset.ContractAddress)
	recipient := common.HexToAddress(row.BuyerAddress)
	fact, found := extractTransfer(receipt, contract, recipient)
	if !found {
		return false, nil
	}

	req := RecordRequest{
		AssetID:  row.AssetID,
		OrderID:  row.OrderID,
		Type:     row.Type,
		Price:    row.Price,
		Currency: row.Currency,
	}
	applied := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Transaction{}).
			Where("id = ? AND status = ?", row.ID, models.TxPending).
			Updates(map[string]any{
				"status":        models.TxSuccessful,
				"buyer_address": strings.ToLower(fact.To.Hex()),
				"finalized_at":  now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return fmt.Errorf("finalize transaction: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another reconciler finalized this row first.
			return nil
		}
		applied = true
		return r.applySideEffects(tx, req, row, fact, now)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// RunReconciler drives Reconcile on a fixed interval until the context is
// cancelled. Expired-order sweeping belongs to the market sweeper; this loop
// handles only settlement convergence.
func (r *Recorder) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.reconcileGrace
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			finalized, err := r.Reconcile(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("settlement reconcile pass failed", "error", err)
				continue
			}
			if finalized > 0 {
				r.logger.Info("settlement reconcile pass finalized rows", "count", finalized)
			}
		}
	}
}
