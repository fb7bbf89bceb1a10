package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"mintbay/auth"
	"mintbay/market"
	"mintbay/models"
	"mintbay/observability/metrics"
	"mintbay/settlement"
	"mintbay/signing"
)

// Enumerated reasons surfaced to callers. The UI branches on these; raw
// internal errors never leak through.
const (
	reasonAuthRejected   = "AUTH_REJECTED"
	reasonOrderNotActive = "ORDER_NOT_ACTIVE"
	reasonOrderExpired   = "ORDER_EXPIRED"
	reasonNotMaker       = "NOT_MAKER"
	reasonNotFound       = "NOT_FOUND"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB              *gorm.DB
	Bridge          *auth.Bridge
	Lifecycle       *market.Lifecycle
	Recorder        *settlement.Recorder
	Logger          *slog.Logger
	NonceRatePerMin int
	SecureCookies   bool
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB            *gorm.DB
	Bridge        *auth.Bridge
	Lifecycle     *market.Lifecycle
	Recorder      *settlement.Recorder
	Logger        *slog.Logger
	SecureCookies bool

	nonceLimiter *ipLimiter
	metrics      *metrics.MarketMetrics
	router       http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		DB:            cfg.DB,
		Bridge:        cfg.Bridge,
		Lifecycle:     cfg.Lifecycle,
		Recorder:      cfg.Recorder,
		Logger:        logger,
		SecureCookies: cfg.SecureCookies,
		nonceLimiter:  newIPLimiter(cfg.NonceRatePerMin),
		metrics:       metrics.Market(),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/auth", func(ar chi.Router) {
		ar.With(s.withRateLimit).Post("/nonce", s.IssueNonce)
		ar.Post("/verify", s.VerifyLogin)
		ar.Post("/logout", s.Logout)
	})

	r.Group(func(protected chi.Router) {
		protected.Use(s.withSession)
		protected.Use(func(next http.Handler) http.Handler { return withIdempotency(s.DB, next) })
		protected.Post("/orders", s.CreateOrder)
		protected.Post("/orders/{id}/fill", s.FillOrder)
		protected.Post("/orders/{id}/cancel", s.CancelOrder)
		protected.Post("/settlements", s.RecordSettlement)
	})

	r.Get("/orders/{id}", s.GetOrder)
	r.Get("/assets/{id}", s.GetAsset)

	return r
}

// IssueNonce hands out a fresh single-use login challenge nonce.
func (s *Server) IssueNonce(w http.ResponseWriter, r *http.Request) {
	nonce, err := s.Bridge.IssueNonce(r.Context())
	if err != nil {
		s.Logger.Error("issue nonce failed", "error", err)
		http.Error(w, "failed to issue nonce", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"nonce":    nonce,
		"issuedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// VerifyLogin exchanges a signed challenge for a session cookie.
func (s *Server) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	result, err := s.Bridge.VerifyLogin(r.Context(), req.Message, req.Signature)
	if err != nil {
		if errors.Is(err, auth.ErrAuthRejected) {
			s.metrics.AuthFailure("rejected")
			s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "login verification failed")
			return
		}
		s.Logger.Error("verify login failed", "error", err)
		http.Error(w, "verification error", http.StatusInternalServerError)
		return
	}
	s.metrics.SessionIssued()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    result.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteStrictMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{
		"address": result.Address,
		"chainId": result.ChainID,
		"nonce":   result.Nonce,
		"identity": map[string]string{
			"id":          result.Identity.ID.String(),
			"displayName": result.Identity.DisplayName,
		},
	})
}

// Logout revokes the presented session. Safe to repeat.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(sessionCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token != "" {
		s.Bridge.RevokeSession(token)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusNoContent)
}

// orderRequest is the wire form of a signed order submission.
type orderRequest struct {
	AssetID   uuid.UUID `json:"assetId"`
	Kind      string    `json:"kind"`
	Seller    string    `json:"seller"`
	Buyer     string    `json:"buyer"`
	NFT       string    `json:"nftAddress"`
	TokenID   *string   `json:"tokenId"`
	Currency  string    `json:"currency"`
	Price     string    `json:"price"`
	Nonce     uint64    `json:"nonce"`
	Deadline  int64     `json:"deadline"`
	Signature string    `json:"signature"`
}

// CreateOrder validates and persists a signed listing or offer.
func (s *Server) CreateOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := sessionFromContext(r.Context())
	if err != nil {
		s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "missing identity")
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	kind := models.OrderKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	if kind != models.KindListing && kind != models.KindOffer {
		http.Error(w, "kind must be LISTING or OFFER", http.StatusBadRequest)
		return
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(req.Price), 10)
	if !ok {
		s.writeReason(w, http.StatusUnprocessableEntity, string(market.ReasonInvalidPrice), "price must be a base-10 integer")
		return
	}
	sig, err := hexutil.Decode(strings.TrimSpace(req.Signature))
	if err != nil {
		s.writeReason(w, http.StatusUnprocessableEntity, string(market.ReasonBadSignature), "signature must be 0x-prefixed hex")
		return
	}

	payload := signing.OrderPayload{
		Seller:   common.HexToAddress(req.Seller),
		Buyer:    common.HexToAddress(req.Buyer),
		NFT:      common.HexToAddress(req.NFT),
		Currency: common.HexToAddress(req.Currency),
		Price:    price,
		Nonce:    req.Nonce,
		Deadline: req.Deadline,
	}
	if req.TokenID != nil {
		tokenID, ok := new(big.Int).SetString(*req.TokenID, 10)
		if !ok {
			http.Error(w, "tokenId must be a base-10 integer", http.StatusBadRequest)
			return
		}
		payload.TokenID = tokenID
	}

	maker, err := s.identityFromClaims(claims)
	if err != nil {
		s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "unknown identity")
		return
	}

	order, err := s.Lifecycle.Create(r.Context(), market.CreateInput{
		AssetID:   req.AssetID,
		Maker:     maker,
		Kind:      kind,
		Payload:   payload,
		Signature: sig,
	})
	if err != nil {
		var rejection *market.Rejection
		if errors.As(err, &rejection) {
			s.metrics.OrderRejected(string(rejection.Reason))
			s.writeReason(w, http.StatusUnprocessableEntity, string(rejection.Reason), rejection.Detail)
			return
		}
		s.Logger.Error("create order failed", "error", err)
		http.Error(w, "failed to create order", http.StatusInternalServerError)
		return
	}
	s.metrics.OrderCreated(string(order.Kind))
	s.writeJSON(w, http.StatusCreated, order)
}

// FillOrder conditionally fills an order for the caller.
func (s *Server) FillOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := sessionFromContext(r.Context())
	if err != nil {
		s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "missing identity")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	// Body is optional; a bare fill defaults to the caller's own address.
	var req struct {
		FillerAddress string `json:"fillerAddress"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	filler := strings.TrimSpace(req.FillerAddress)
	if filler == "" {
		filler = claims.WalletAddress
	}

	order, err := s.Lifecycle.AttemptFill(r.Context(), orderID, filler)
	if err != nil {
		switch {
		case errors.Is(err, market.ErrOrderExpired):
			s.metrics.FillConflict("expired")
			s.writeReason(w, http.StatusConflict, reasonOrderExpired, "order deadline has passed")
		case errors.Is(err, market.ErrOrderNotActive):
			s.metrics.FillConflict("not_active")
			s.writeReason(w, http.StatusConflict, reasonOrderNotActive, "this listing was just purchased or withdrawn")
		case errors.Is(err, market.ErrOrderNotFound):
			s.writeReason(w, http.StatusNotFound, reasonNotFound, "order not found")
		default:
			s.Logger.Error("fill order failed", "error", err)
			http.Error(w, "failed to fill order", http.StatusInternalServerError)
		}
		return
	}
	s.metrics.OrderFilled()
	s.writeJSON(w, http.StatusOK, order)
}

// CancelOrder withdraws the caller's own active order.
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	claims, err := sessionFromContext(r.Context())
	if err != nil {
		s.writeReason(w, http.StatusUnauthorized, reasonAuthRejected, "missing identity")
		return
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	order, err := s.Lifecycle.Cancel(r.Context(), orderID, claims.WalletAddress)
	if err != nil {
		switch {
		case errors.Is(err, market.ErrNotMaker):
			s.writeReason(w, http.StatusForbidden, reasonNotMaker, "only the order maker may cancel")
		case errors.Is(err, market.ErrOrderNotActive):
			s.writeReason(w, http.StatusConflict, reasonOrderNotActive, "order is no longer active")
		case errors.Is(err, market.ErrOrderNotFound):
			s.writeReason(w, http.StatusNotFound, reasonNotFound, "order not found")
		default:
			s.Logger.Error("cancel order failed", "error", err)
			http.Error(w, "failed to cancel order", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// settlementRequest is the wire form of a settlement recording request.
type settlementRequest struct {
	TxHash            string     `json:"txHash"`
	AssetID           uuid.UUID  `json:"assetId"`
	OrderID           *uuid.UUID `json:"orderId"`
	Type              string     `json:"type"`
	ExpectedContract  string     `json:"expectedContract"`
	ExpectedRecipient string     `json:"expectedRecipient"`
	SellerAddress     string     `json:"sellerAddress"`
	Price             string     `json:"price"`
	Currency          string     `json:"currency"`
}

// RecordSettlement ingests a chain receipt and converges the ledger.
func (s *Server) RecordSettlement(w http.ResponseWriter, r *http.Request) {
	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	txType := models.TransactionType(strings.ToUpper(strings.TrimSpace(req.Type)))
	switch txType {
	case models.TxMint, models.TxList, models.TxSale, models.TxTransfer, models.TxUnlist:
	default:
		http.Error(w, "unknown transaction type", http.StatusBadRequest)
		return
	}

	record, err := s.Recorder.RecordSettlement(r.Context(), settlement.RecordRequest{
		TxHash:            common.HexToHash(req.TxHash),
		AssetID:           req.AssetID,
		OrderID:           req.OrderID,
		Type:              txType,
		ExpectedContract:  common.HexToAddress(req.ExpectedContract),
		ExpectedRecipient: common.HexToAddress(req.ExpectedRecipient),
		SellerAddress:     req.SellerAddress,
		Price:             req.Price,
		Currency:          req.Currency,
	})
	if err != nil {
		s.Logger.Error("record settlement failed", "error", err, "txHash", req.TxHash)
		http.Error(w, "failed to record settlement", http.StatusInternalServerError)
		return
	}
	s.metrics.SettlementRecorded(string(record.Status))
	s.writeJSON(w, http.StatusOK, record)
}

// GetOrder returns a single order.
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	var order models.Order
	if err := s.DB.First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeReason(w, http.StatusNotFound, reasonNotFound, "order not found")
			return
		}
		http.Error(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

// GetAsset returns a single asset.
func (s *Server) GetAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid asset id", http.StatusBadRequest)
		return
	}
	var asset models.Asset
	if err := s.DB.First(&asset, "id = ?", assetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.writeReason(w, http.StatusNotFound, reasonNotFound, "asset not found")
			return
		}
		http.Error(w, "failed to load asset", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, asset)
}

func (s *Server) identityFromClaims(claims *auth.SessionClaims) (*models.Identity, error) {
	identityID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, err
	}
	var identity models.Identity
	if err := s.DB.First(&identity, "id = ?", identityID).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeReason(w http.ResponseWriter, status int, reason, detail string) {
	s.writeJSON(w, status, map[string]string{"reason": reason, "detail": detail})
}
