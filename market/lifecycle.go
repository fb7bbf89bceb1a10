package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mintbay/models"
	"mintbay/observability/metrics"
	"mintbay/signing"
)

// Conflict errors surfaced by lifecycle operations. These are terminal for
// the calling request; the caller may retry with corrected input.
var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrOrderNotActive = errors.New("order not active")
	ErrOrderExpired   = errors.New("order expired")
	ErrNotMaker       = errors.New("caller does not own the order")
)

var allowedTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderPending: {models.OrderActive, models.OrderRejected},
	models.OrderActive:  {models.OrderFilled, models.OrderCancelled, models.OrderExpired},
}

// ValidateTransition ensures the transition follows the defined state machine.
// No path re-enters Active; a new listing is a new order.
func ValidateTransition(current, next models.OrderStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// Lifecycle owns order persistence and the storage-conditional transitions
// that guarantee at most one winner per listing.
type Lifecycle struct {
	db    *gorm.DB
	nowFn func() time.Time
}

// NewLifecycle constructs the lifecycle over the backing store.
func NewLifecycle(db *gorm.DB, nowFn func() time.Time) *Lifecycle {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Lifecycle{db: db, nowFn: nowFn}
}

// CreateInput carries a validated-signature order request into persistence.
type CreateInput struct {
	AssetID   uuid.UUID
	Maker     *models.Identity
	Kind      models.OrderKind
	Payload   signing.OrderPayload
	Signature []byte
}

// Create validates and persists an order as Active. The nonce condition is
// re-asserted inside the transaction so a validate-then-create gap cannot
// admit a stale payload, and creation is idempotent on (asset, maker, nonce):
// a client retry returns the original row.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (*models.Order, error) {
	if in.Maker == nil {
		return nil, fmt.Errorf("maker identity required")
	}
	now := l.nowFn().UTC()
	var created models.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var asset models.Asset
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&asset, "id = ?", in.AssetID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("asset %s not found", in.AssetID)
			}
			return fmt.Errorf("load asset: %w", err)
		}

		var existing models.Order
		err := tx.First(&existing, "asset_id = ? AND maker_id = ? AND signer_nonce = ?", in.AssetID, in.Maker.ID, in.Payload.Nonce).Error
		if err == nil {
			// A retry of the same signed payload lands on the original row; a
			// reused nonce with different terms is a stale resubmission.
			if existing.Signature == fmt.Sprintf("0x%x", in.Signature) {
				created = existing
				return nil
			}
			return &Rejection{Reason: ReasonNonceTooLow, Detail: fmt.Sprintf("nonce %d already used for this asset", in.Payload.Nonce)}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check duplicate order: %w", err)
		}

		var priorCount int64
		var highest uint64
		if err := tx.Model(&models.Order{}).
			Where("asset_id = ? AND maker_id = ?", in.AssetID, in.Maker.ID).
			Count(&priorCount).Error; err != nil {
			return fmt.Errorf("count prior orders: %w", err)
		}
		if priorCount > 0 {
			if err := tx.Model(&models.Order{}).
				Where("asset_id = ? AND maker_id = ?", in.AssetID, in.Maker.ID).
				Select("MAX(signer_nonce)").
				Scan(&highest).Error; err != nil {
				return fmt.Errorf("load highest nonce: %w", err)
			}
		}

		if rejection := Validate(in.Payload, in.Kind, in.Signature, in.Maker.WalletAddress, now, highest, priorCount > 0); rejection != nil {
			return rejection
		}
		if in.Kind == models.KindListing && !strings.EqualFold(asset.OwnerAddress, in.Maker.WalletAddress) {
			// Without this a stranger's listing would supersede the owner's.
			return &Rejection{Reason: ReasonInvalidMaker, Detail: "seller does not own the asset"}
		}

		if in.Kind == models.KindListing {
			// Supersede any still-active listing; there is never more than one.
			if err := tx.Model(&models.Order{}).
				Where("asset_id = ? AND kind = ? AND status = ?", in.AssetID, models.KindListing, models.OrderActive).
				Updates(map[string]any{"status": models.OrderCancelled, "updated_at": now}).Error; err != nil {
				return fmt.Errorf("supersede prior listing: %w", err)
			}
		}

		price := in.Payload.Price.String()
		order := models.Order{
			ID:          uuid.New(),
			AssetID:     in.AssetID,
			MakerID:     in.Maker.ID,
			Kind:        in.Kind,
			Seller:      strings.ToLower(in.Payload.Seller.Hex()),
			Buyer:       strings.ToLower(in.Payload.Buyer.Hex()),
			Currency:    strings.ToLower(in.Payload.Currency.Hex()),
			Price:       price,
			SignerNonce: in.Payload.Nonce,
			Deadline:    in.Payload.Deadline,
			Signature:   fmt.Sprintf("0x%x", in.Signature),
			Status:      models.OrderActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		action := "offer.created"
		if in.Kind == models.KindListing {
			action = "asset.listed"
			currency := order.Currency
			if err := tx.Model(&models.Asset{}).Where("id = ?", asset.ID).Updates(map[string]any{
				"market_status": models.MarketListedFixedPrice,
				"list_price":    price,
				"list_currency": currency,
				"updated_at":    now,
			}).Error; err != nil {
				return fmt.Errorf("update asset listing: %w", err)
			}
		}
		if err := appendActivity(tx, &in.Maker.ID, &asset.ID, &order.ID, action, price, now); err != nil {
			return err
		}
		created = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// AttemptFill conditionally moves an order from Active to Filled. The update
// is a compare-and-set against the stored status, so of two racing fillers
// exactly one wins; the loser observes ErrOrderNotActive. Expiry discovered
// here moves the order to Expired instead.
func (l *Lifecycle) AttemptFill(ctx context.Context, orderID uuid.UUID, fillerAddress string) (*models.Order, error) {
	now := l.nowFn().UTC()
	filler := strings.ToLower(strings.TrimSpace(fillerAddress))

	var order models.Order
	if err := l.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("load order: %w", err)
	}

	if order.Deadline <= now.Unix() {
		// The expiry write must commit even though the fill itself fails, so
		// it runs in its own transaction before the error is surfaced.
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return l.expireCAS(tx, &order, now)
		})
		if err != nil && !errors.Is(err, ErrOrderNotActive) {
			return nil, err
		}
		return nil, ErrOrderExpired
	}
	if err := ValidateTransition(order.Status, models.OrderFilled); err != nil {
		return nil, ErrOrderNotActive
	}

	var filled models.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{"status": models.OrderFilled, "updated_at": now}
		if order.Kind == models.KindListing {
			updates["buyer"] = filler
		} else {
			updates["seller"] = filler
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", orderID, models.OrderActive).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("fill order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOrderNotActive
		}
		if err := tx.First(&filled, "id = ?", orderID).Error; err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		return appendActivity(tx, nil, &order.AssetID, &order.ID, "order.filled", filler, now)
	})
	if err != nil {
		return nil, err
	}
	return &filled, nil
}

// ConfirmFilled drives an order to Filled from within an existing settlement
// transaction. Already-Filled orders are accepted so replayed receipts stay
// idempotent.
func (l *Lifecycle) ConfirmFilled(tx *gorm.DB, orderID uuid.UUID, buyerAddress string, now time.Time) error {
	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, models.OrderActive).
		Updates(map[string]any{
			"status":     models.OrderFilled,
			"buyer":      strings.ToLower(strings.TrimSpace(buyerAddress)),
			"updated_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("confirm fill: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var order models.Order
	if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("reload order: %w", err)
	}
	if order.Status == models.OrderFilled {
		return nil
	}
	return ErrOrderNotActive
}

// Cancel moves an Active order to Cancelled. Only the order's own maker may
// cancel; a cancelled listing reverts the asset to NotListed.
func (l *Lifecycle) Cancel(ctx context.Context, orderID uuid.UUID, callerAddress string) (*models.Order, error) {
	now := l.nowFn().UTC()
	caller := strings.ToLower(strings.TrimSpace(callerAddress))
	var cancelled models.Order
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("load order: %w", err)
		}
		maker := order.Seller
		if order.Kind == models.KindOffer {
			maker = order.Buyer
		}
		if !strings.EqualFold(maker, caller) {
			return ErrNotMaker
		}
		if err := ValidateTransition(order.Status, models.OrderCancelled); err != nil {
			return ErrOrderNotActive
		}

		res := tx.Model(&models.Order{}).
			Where("id = ? AND status = ?", orderID, models.OrderActive).
			Updates(map[string]any{"status": models.OrderCancelled, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("cancel order: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrOrderNotActive
		}
		if order.Kind == models.KindListing {
			if err := revertAssetListing(tx, order.AssetID, now); err != nil {
				return err
			}
		}
		if err := tx.First(&cancelled, "id = ?", orderID).Error; err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		return appendActivity(tx, nil, &order.AssetID, &order.ID, "order.cancelled", caller, now)
	})
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// SweepExpired moves every Active order past its deadline to Expired and
// reverts the owning asset's listing state. Returns the number of orders
// expired.
func (l *Lifecycle) SweepExpired(ctx context.Context) (int, error) {
	now := l.nowFn().UTC()
	var stale []models.Order
	if err := l.db.WithContext(ctx).
		Where("status = ? AND deadline <= ?", models.OrderActive, now.Unix()).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("load expired orders: %w", err)
	}
	expired := 0
	for i := range stale {
		order := stale[i]
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return l.expireCAS(tx, &order, now)
		})
		if err != nil {
			if errors.Is(err, ErrOrderNotActive) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// RunSweeper expires overdue orders on a fixed interval until the context is
// cancelled.
func (l *Lifecycle) RunSweeper(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := l.SweepExpired(ctx)
			if err != nil {
				logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				metrics.Market().OrdersExpired(expired)
				logger.Info("expired overdue orders", "count", expired)
			}
		}
	}
}

// expireCAS conditionally moves a still-Active order to Expired and reverts
// the asset listing state when the order is a listing.
func (l *Lifecycle) expireCAS(tx *gorm.DB, order *models.Order, now time.Time) error {
	res := tx.Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, models.OrderActive).
		Updates(map[string]any{"status": models.OrderExpired, "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("expire order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotActive
	}
	if order.Kind == models.KindListing {
		if err := revertAssetListing(tx, order.AssetID, now); err != nil {
			return err
		}
	}
	return appendActivity(tx, nil, &order.AssetID, &order.ID, "order.expired", "", now)
}

func revertAssetListing(tx *gorm.DB, assetID uuid.UUID, now time.Time) error {
	err := tx.Model(&models.Asset{}).
		Where("id = ? AND market_status = ?", assetID, models.MarketListedFixedPrice).
		Updates(map[string]any{
			"market_status": models.MarketNotListed,
			"list_price":    nil,
			"list_currency": nil,
			"updated_at":    now,
		}).Error
	if err != nil {
		return fmt.Errorf("revert asset listing: %w", err)
	}
	return nil
}

func appendActivity(tx *gorm.DB, identityID, assetID, orderID *uuid.UUID, action, details string, now time.Time) error {
	entry := models.ActivityLog{
		ID:         uuid.New(),
		IdentityID: identityID,
		AssetID:    assetID,
		OrderID:    orderID,
		Action:     action,
		Details:    details,
		CreatedAt:  now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}
