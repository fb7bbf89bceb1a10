package market

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"mintbay/models"
	"mintbay/signing"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestLifecycle(t *testing.T) (*Lifecycle, *gorm.DB, *fakeClock) {
	t.Helper()
	db := setupTestDB(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	return NewLifecycle(db, clock.Now), db, clock
}

func seedIdentity(t *testing.T, db *gorm.DB, address common.Address) *models.Identity {
	t.Helper()
	identity := models.Identity{
		ID:            uuid.New(),
		WalletAddress: strings.ToLower(address.Hex()),
		DisplayName:   "tester",
	}
	require.NoError(t, db.Create(&identity).Error)
	return &identity
}

func seedAsset(t *testing.T, db *gorm.DB, owner *models.Identity) *models.Asset {
	t.Helper()
	tokenID := "7"
	asset := models.Asset{
		ID:              uuid.New(),
		ChainID:         1,
		ContractAddress: "0x00000000000000000000000000000000000000aa",
		TokenID:         &tokenID,
		OwnerAddress:    owner.WalletAddress,
		OwnerID:         &owner.ID,
		CreatorID:       owner.ID,
		MarketStatus:    models.MarketNotListed,
	}
	require.NoError(t, db.Create(&asset).Error)
	return &asset
}

func signedListing(t *testing.T, key *ecdsa.PrivateKey, asset *models.Asset, nonce uint64, price int64, deadline int64) (signing.OrderPayload, []byte) {
	t.Helper()
	payload := signing.OrderPayload{
		Seller:   ethcrypto.PubkeyToAddress(key.PublicKey),
		NFT:      common.HexToAddress(asset.ContractAddress),
		TokenID:  big.NewInt(7),
		Currency: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Price:    big.NewInt(price),
		Nonce:    nonce,
		Deadline: deadline,
	}
	digest, err := payload.Hash()
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)
	return payload, sig
}

func signedOffer(t *testing.T, key *ecdsa.PrivateKey, asset *models.Asset, nonce uint64, price int64, deadline int64) (signing.OrderPayload, []byte) {
	t.Helper()
	payload := signing.OrderPayload{
		Buyer:    ethcrypto.PubkeyToAddress(key.PublicKey),
		NFT:      common.HexToAddress(asset.ContractAddress),
		TokenID:  big.NewInt(7),
		Currency: common.HexToAddress("0x00000000000000000000000000000000000000cc"),
		Price:    big.NewInt(price),
		Nonce:    nonce,
		Deadline: deadline,
	}
	digest, err := payload.Hash()
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(digest, key)
	require.NoError(t, err)
	return payload, sig
}

func TestCreateListingActivatesAsset(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	deadline := clock.Now().Add(7 * 24 * time.Hour).Unix()
	payload, sig := signedListing(t, key, asset, 1, 1_000_000, deadline)

	order, err := lc.Create(context.Background(), CreateInput{
		AssetID:   asset.ID,
		Maker:     seller,
		Kind:      models.KindListing,
		Payload:   payload,
		Signature: sig,
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderActive, order.Status)
	require.Equal(t, seller.WalletAddress, order.Seller)
	require.EqualValues(t, 1, order.SignerNonce)

	var stored models.Asset
	require.NoError(t, db.First(&stored, "id = ?", asset.ID).Error)
	require.Equal(t, models.MarketListedFixedPrice, stored.MarketStatus)
	require.NotNil(t, stored.ListPrice)
	require.Equal(t, "1000000", *stored.ListPrice)

	var activity int64
	require.NoError(t, db.Model(&models.ActivityLog{}).Where("action = ?", "asset.listed").Count(&activity).Error)
	require.EqualValues(t, 1, activity)
}

func TestCreateRetryReturnsExistingOrder(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	deadline := clock.Now().Add(time.Hour).Unix()
	payload, sig := signedListing(t, key, asset, 1, 500, deadline)
	in := CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig}

	first, err := lc.Create(context.Background(), in)
	require.NoError(t, err)
	second, err := lc.Create(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, db.Model(&models.Order{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestCreateReusedNonceWithNewTermsRejected(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	deadline := clock.Now().Add(time.Hour).Unix()
	payload, sig := signedListing(t, key, asset, 3, 500, deadline)
	_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	// Same nonce, different price: not a retry, must not overwrite.
	repriced, resig := signedListing(t, key, asset, 3, 900, deadline)
	_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: repriced, Signature: resig})
	var rejection *Rejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, ReasonNonceTooLow, rejection.Reason)
}

func TestCreateStaleNonceRejected(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	deadline := clock.Now().Add(time.Hour).Unix()
	payload, sig := signedListing(t, key, asset, 5, 500, deadline)
	_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	stale, staleSig := signedListing(t, key, asset, 4, 700, deadline)
	_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: stale, Signature: staleSig})
	var rejection *Rejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, ReasonNonceTooLow, rejection.Reason)
}

func TestCreateRejectsBadInput(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)
	deadline := clock.Now().Add(time.Hour).Unix()

	t.Run("expired deadline", func(t *testing.T) {
		payload, sig := signedListing(t, key, asset, 1, 500, clock.Now().Add(-time.Minute).Unix())
		_, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
		var rejection *Rejection
		require.ErrorAs(t, err, &rejection)
		require.Equal(t, ReasonExpiredDeadline, rejection.Reason)
	})

	t.Run("zero price", func(t *testing.T) {
		payload, _ := signedListing(t, key, asset, 1, 500, deadline)
		payload.Price = big.NewInt(0)
		digest := []byte("irrelevant, price is checked first")
		_, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: digest})
		var rejection *Rejection
		require.ErrorAs(t, err, &rejection)
		require.Equal(t, ReasonInvalidPrice, rejection.Reason)
	})

	t.Run("signature from another key", func(t *testing.T) {
		otherKey, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		payload, _ := signedListing(t, key, asset, 1, 500, deadline)
		digest, err := payload.Hash()
		require.NoError(t, err)
		forged, err := ethcrypto.Sign(digest, otherKey)
		require.NoError(t, err)
		_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: forged})
		var rejection *Rejection
		require.ErrorAs(t, err, &rejection)
		require.Equal(t, ReasonBadSignature, rejection.Reason)
	})

	t.Run("listing seller is not the caller", func(t *testing.T) {
		strangerKey, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		stranger := seedIdentity(t, db, ethcrypto.PubkeyToAddress(strangerKey.PublicKey))
		payload, sig := signedListing(t, key, asset, 1, 500, deadline)
		_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: stranger, Kind: models.KindListing, Payload: payload, Signature: sig})
		var rejection *Rejection
		require.ErrorAs(t, err, &rejection)
		require.Equal(t, ReasonInvalidMaker, rejection.Reason)
	})
}

func TestCreateSupersedesPriorListing(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)
	deadline := clock.Now().Add(time.Hour).Unix()

	payload, sig := signedListing(t, key, asset, 1, 500, deadline)
	first, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	repriced, resig := signedListing(t, key, asset, 2, 900, deadline)
	second, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: repriced, Signature: resig})
	require.NoError(t, err)
	require.Equal(t, models.OrderActive, second.Status)

	var prior models.Order
	require.NoError(t, db.First(&prior, "id = ?", first.ID).Error)
	require.Equal(t, models.OrderCancelled, prior.Status)

	var active int64
	require.NoError(t, db.Model(&models.Order{}).
		Where("asset_id = ? AND kind = ? AND status = ?", asset.ID, models.KindListing, models.OrderActive).
		Count(&active).Error)
	require.EqualValues(t, 1, active)

	var stored models.Asset
	require.NoError(t, db.First(&stored, "id = ?", asset.ID).Error)
	require.Equal(t, "900", *stored.ListPrice)
}

func TestOfferLeavesAssetUnlisted(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	sellerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(sellerKey.PublicKey))
	asset := seedAsset(t, db, seller)

	buyerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	buyer := seedIdentity(t, db, ethcrypto.PubkeyToAddress(buyerKey.PublicKey))

	payload, sig := signedOffer(t, buyerKey, asset, 1, 250, clock.Now().Add(time.Hour).Unix())
	order, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: buyer, Kind: models.KindOffer, Payload: payload, Signature: sig})
	require.NoError(t, err)
	require.Equal(t, models.OrderActive, order.Status)
	require.Equal(t, buyer.WalletAddress, order.Buyer)

	var stored models.Asset
	require.NoError(t, db.First(&stored, "id = ?", asset.ID).Error)
	require.Equal(t, models.MarketNotListed, stored.MarketStatus)
	require.Nil(t, stored.ListPrice)
}

func TestAttemptFillOneWinner(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	payload, sig := signedListing(t, key, asset, 1, 500, clock.Now().Add(time.Hour).Unix())
	order, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	winner := "0x00000000000000000000000000000000000000b1"
	filled, err := lc.AttemptFill(context.Background(), order.ID, winner)
	require.NoError(t, err)
	require.Equal(t, models.OrderFilled, filled.Status)
	require.Equal(t, winner, filled.Buyer)

	// The second filler loses the compare-and-set and must not disturb the
	// winner's buyer address.
	_, err = lc.AttemptFill(context.Background(), order.ID, "0x00000000000000000000000000000000000000b2")
	require.ErrorIs(t, err, ErrOrderNotActive)

	var stored models.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	require.Equal(t, winner, stored.Buyer)
}

func TestAttemptFillExpiredOrder(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	payload, sig := signedListing(t, key, asset, 1, 500, clock.Now().Add(time.Hour).Unix())
	order, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = lc.AttemptFill(context.Background(), order.ID, "0x00000000000000000000000000000000000000b1")
	require.ErrorIs(t, err, ErrOrderExpired)

	// The expiry transition must survive the failed fill.
	var stored models.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderExpired, stored.Status)

	var storedAsset models.Asset
	require.NoError(t, db.First(&storedAsset, "id = ?", asset.ID).Error)
	require.Equal(t, models.MarketNotListed, storedAsset.MarketStatus)
	require.Nil(t, storedAsset.ListPrice)

	// Later fill attempts see the same terminal answer.
	_, err = lc.AttemptFill(context.Background(), order.ID, "0x00000000000000000000000000000000000000b2")
	require.ErrorIs(t, err, ErrOrderExpired)
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderExpired, stored.Status)
}

func TestCancelByMakerRevertsListing(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	payload, sig := signedListing(t, key, asset, 1, 500, clock.Now().Add(time.Hour).Unix())
	order, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	cancelled, err := lc.Cancel(context.Background(), order.ID, seller.WalletAddress)
	require.NoError(t, err)
	require.Equal(t, models.OrderCancelled, cancelled.Status)

	var storedAsset models.Asset
	require.NoError(t, db.First(&storedAsset, "id = ?", asset.ID).Error)
	require.Equal(t, models.MarketNotListed, storedAsset.MarketStatus)
	require.Nil(t, storedAsset.ListPrice)

	// Cancelling twice finds the order no longer active.
	_, err = lc.Cancel(context.Background(), order.ID, seller.WalletAddress)
	require.ErrorIs(t, err, ErrOrderNotActive)
}

func TestCreateListingByNonOwnerRejected(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	ownerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	owner := seedIdentity(t, db, ethcrypto.PubkeyToAddress(ownerKey.PublicKey))
	asset := seedAsset(t, db, owner)
	deadline := clock.Now().Add(time.Hour).Unix()

	payload, sig := signedListing(t, ownerKey, asset, 1, 500, deadline)
	owned, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: owner, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	// A stranger signing their own address as seller must not be able to
	// list an asset they do not own.
	strangerKey, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	stranger := seedIdentity(t, db, ethcrypto.PubkeyToAddress(strangerKey.PublicKey))
	hostile, hostileSig := signedListing(t, strangerKey, asset, 1, 1, deadline)
	_, err = lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: stranger, Kind: models.KindListing, Payload: hostile, Signature: hostileSig})
	var rejection *Rejection
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, ReasonInvalidMaker, rejection.Reason)

	// The owner's listing and price are untouched.
	var stored models.Order
	require.NoError(t, db.First(&stored, "id = ?", owned.ID).Error)
	require.Equal(t, models.OrderActive, stored.Status)
	var storedAsset models.Asset
	require.NoError(t, db.First(&storedAsset, "id = ?", asset.ID).Error)
	require.Equal(t, "500", *storedAsset.ListPrice)
}

func TestCancelFilledOrderRejected(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	payload, sig := signedListing(t, key, asset, 1, 500, clock.Now().Add(time.Hour).Unix())
	order, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	_, err = lc.AttemptFill(context.Background(), order.ID, "0x00000000000000000000000000000000000000b1")
	require.NoError(t, err)

	// Filled is terminal; the maker cannot pull the order back.
	_, err = lc.Cancel(context.Background(), order.ID, seller.WalletAddress)
	require.ErrorIs(t, err, ErrOrderNotActive)

	var stored models.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderFilled, stored.Status)
	require.Equal(t, "0x00000000000000000000000000000000000000b1", stored.Buyer)
}

func TestCancelByStrangerRejected(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))
	asset := seedAsset(t, db, seller)

	payload, sig := signedListing(t, key, asset, 1, 500, clock.Now().Add(time.Hour).Unix())
	order, err := lc.Create(context.Background(), CreateInput{AssetID: asset.ID, Maker: seller, Kind: models.KindListing, Payload: payload, Signature: sig})
	require.NoError(t, err)

	_, err = lc.Cancel(context.Background(), order.ID, "0x00000000000000000000000000000000000000b9")
	require.ErrorIs(t, err, ErrNotMaker)

	var stored models.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	require.Equal(t, models.OrderActive, stored.Status)
}

func TestSweepExpired(t *testing.T) {
	lc, db, clock := newTestLifecycle(t)
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	seller := seedIdentity(t, db, ethcrypto.PubkeyToAddress(key.PublicKey))

	assetA := seedAsset(t, db, seller)
	assetB := seedAsset(t, db, seller)
	require.NoError(t, db.Model(&models.Asset{}).Where("id = ?", assetB.ID).
		Update("contract_address", "0x00000000000000000000000000000000000000ab").Error)

	shortDeadline := clock.Now().Add(time.Hour).Unix()
	longDeadline := clock.Now().Add(48 * time.Hour).Unix()

	payloadA, sigA := signedListing(t, key, assetA, 1, 500, shortDeadline)
	_, err = lc.Create(context.Background(), CreateInput{AssetID: assetA.ID, Maker: seller, Kind: models.KindListing, Payload: payloadA, Signature: sigA})
	require.NoError(t, err)

	payloadB, sigB := signedListing(t, key, assetB, 1, 500, longDeadline)
	survivor, err := lc.Create(context.Background(), CreateInput{AssetID: assetB.ID, Maker: seller, Kind: models.KindListing, Payload: payloadB, Signature: sigB})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	expired, err := lc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	var storedA models.Asset
	require.NoError(t, db.First(&storedA, "id = ?", assetA.ID).Error)
	require.Equal(t, models.MarketNotListed, storedA.MarketStatus)

	var stillActive models.Order
	require.NoError(t, db.First(&stillActive, "id = ?", survivor.ID).Error)
	require.Equal(t, models.OrderActive, stillActive.Status)

	// A second sweep has nothing left to do.
	expired, err = lc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, expired)
}

func TestValidateTransition(t *testing.T) {
	cases := []struct {
		from, to models.OrderStatus
		ok       bool
	}{
		{models.OrderPending, models.OrderActive, true},
		{models.OrderPending, models.OrderRejected, true},
		{models.OrderPending, models.OrderFilled, false},
		{models.OrderActive, models.OrderFilled, true},
		{models.OrderActive, models.OrderCancelled, true},
		{models.OrderActive, models.OrderExpired, true},
		{models.OrderFilled, models.OrderActive, false},
		{models.OrderCancelled, models.OrderActive, false},
		{models.OrderExpired, models.OrderActive, false},
		{models.OrderFilled, models.OrderFilled, true},
	}
	for _, tc := range cases {
		err := ValidateTransition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.Error(t, err, "%s -> %s", tc.from, tc.to)
		}
	}
}
