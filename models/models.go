package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MarketStatus reflects how an asset is currently offered for sale.
type MarketStatus string

// Asset market states. Auction is declared for schema compatibility but no
// transition produces it.
const (
	MarketNotListed        MarketStatus = "NOT_LISTED"
	MarketListedFixedPrice MarketStatus = "LISTED_FIXED_PRICE"
	MarketAuction          MarketStatus = "AUCTION"
)

// OrderKind distinguishes seller-initiated listings from buyer-initiated offers.
type OrderKind string

const (
	KindListing OrderKind = "LISTING"
	KindOffer   OrderKind = "OFFER"
)

// OrderStatus represents a state in the order lifecycle.
type OrderStatus string

// All order lifecycle states.
const (
	OrderPending   OrderStatus = "PENDING"
	OrderActive    OrderStatus = "ACTIVE"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderExpired   OrderStatus = "EXPIRED"
	OrderRejected  OrderStatus = "REJECTED"
)

// TransactionType classifies ledger rows by the chain action they record.
type TransactionType string

const (
	TxMint     TransactionType = "MINT"
	TxList     TransactionType = "LIST"
	TxSale     TransactionType = "SALE"
	TxTransfer TransactionType = "TRANSFER"
	TxUnlist   TransactionType = "UNLIST"
)

// TransactionStatus tracks settlement convergence for a ledger row.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxSuccessful TransactionStatus = "SUCCESSFUL"
	TxFailed     TransactionStatus = "FAILED"
	TxCancelled  TransactionStatus = "CANCELLED"
)

// Identity is a profile keyed by canonical (lower-cased) wallet address.
// Rows are created exactly once per address on first verified signature.
type Identity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	WalletAddress string    `gorm:"size:42;uniqueIndex;not null"`
	DisplayName   string    `gorm:"size:64"`
	CredentialRef string    `gorm:"size:128"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Asset is an NFT record. Owner and market-status columns are mutated only by
// the order lifecycle and the settlement recorder, never from a client request.
type Asset struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ChainID         uint64    `gorm:"not null"`
	ContractAddress string    `gorm:"size:42;index;not null"`
	TokenID         *string   `gorm:"size:78"`
	TokenURI        string    `gorm:"size:512"`
	OwnerAddress    string    `gorm:"size:42;index"`
	OwnerID         *uuid.UUID `gorm:"type:uuid;index"`
	CreatorID       uuid.UUID  `gorm:"type:uuid;index"`
	MarketStatus    MarketStatus `gorm:"size:32;index;default:NOT_LISTED"`
	ListPrice       *string      `gorm:"size:78"`
	ListCurrency    *string      `gorm:"size:42"`
	LastSalePrice   *string      `gorm:"size:78"`
	LastSaleCurrency *string     `gorm:"size:42"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Order is a signed statement of intent to sell (LISTING) or buy (OFFER) a
// specific asset. The (asset, maker, signer nonce) triple is unique so a
// client retry after a timeout lands on the existing row instead of creating
// a second listing.
type Order struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	AssetID       uuid.UUID   `gorm:"type:uuid;index;uniqueIndex:idx_orders_asset_maker_nonce,priority:1"`
	MakerID       uuid.UUID   `gorm:"type:uuid;index;uniqueIndex:idx_orders_asset_maker_nonce,priority:2"`
	Kind          OrderKind   `gorm:"size:16;not null"`
	Seller        string      `gorm:"size:42;index"`
	Buyer         string      `gorm:"size:42;index"`
	Currency      string      `gorm:"size:42"`
	Price         string      `gorm:"size:78;not null"`
	SignerNonce   uint64      `gorm:"not null;uniqueIndex:idx_orders_asset_maker_nonce,priority:3"`
	Deadline      int64       `gorm:"not null"`
	Signature     string      `gorm:"size:160"`
	Status        OrderStatus `gorm:"size:16;index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transaction is an append-only ledger row keyed by chain transaction hash.
// A hash is written at most once; replays converge on the first row.
type Transaction struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TxHash        string            `gorm:"size:66;uniqueIndex;not null"`
	AssetID       uuid.UUID         `gorm:"type:uuid;index"`
	OrderID       *uuid.UUID        `gorm:"type:uuid;index"`
	Type          TransactionType   `gorm:"size:16;not null"`
	Status        TransactionStatus `gorm:"size:16;index"`
	Price         string            `gorm:"size:78"`
	Currency      string            `gorm:"size:42"`
	BuyerAddress  string            `gorm:"size:42;index"`
	SellerAddress string            `gorm:"size:42;index"`
	FinalizedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ActivityLog is the denormalized notification feed. Rows are produced as a
// side effect of successful transitions and never read back by the core.
type ActivityLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	IdentityID *uuid.UUID `gorm:"type:uuid;index"`
	AssetID    *uuid.UUID `gorm:"type:uuid;index"`
	OrderID    *uuid.UUID `gorm:"type:uuid;index"`
	Action     string     `gorm:"size:64;not null"`
	Details    string     `gorm:"type:text"`
	CreatedAt  time.Time
}

// IdempotencyKey stores request idempotency metadata for the HTTP layer.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Identity{},
		&Asset{},
		&Order{},
		&Transaction{},
		&ActivityLog{},
		&IdempotencyKey{},
	)
}
