package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/invalidator"
	"github.com/takadao/smart-trading/pkg/ledger"
	"github.com/takadao/smart-trading/pkg/rfq"
	"github.com/takadao/smart-trading/pkg/settlement"
	"github.com/takadao/smart-trading/pkg/util"
)

// Faucet is the devnet funding surface of a ledger.
type Faucet interface {
	Mint(token, owner common.Address, amount *big.Int) error
	Approve(token, owner, spender common.Address, amount *big.Int) error
}

type Config struct {
	CORSOrigins []string
	Clock       util.Clock         // nil = wall clock
	Logger      *zap.SugaredLogger // nil = no logging
	Faucet      Faucet             // nil disables /api/v1/dev/faucet
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine  *settlement.Engine
	permits *settlement.PermitAdapter // nil rejects fills carrying a permit
	ledger  ledger.Ledger

	router  *mux.Router
	hub     *Hub
	cfg     Config
	logger  *zap.SugaredLogger
	httpSrv *http.Server
}

// NewServer creates a new API server
func NewServer(engine *settlement.Engine, permits *settlement.PermitAdapter, ldg ledger.Ledger, cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	s := &Server{
		engine:  engine,
		permits: permits,
		ledger:  ldg,
		router:  mux.NewRouter(),
		hub:     NewHub(cfg.Logger),
		cfg:     cfg,
		logger:  cfg.Logger,
	}

	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub; register it as an events.Publisher to stream settlements.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Invalidator query surface
	api.HandleFunc("/invalidator/{maker}", s.handleGetMakerInvalidator).Methods("GET")
	api.HandleFunc("/invalidator/{maker}/{slot}", s.handleGetInvalidator).Methods("GET")

	// Orders
	api.HandleFunc("/orders/hash", s.handleHashOrder).Methods("POST")
	api.HandleFunc("/orders/status", s.handleOrderStatus).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")

	// Ledger
	api.HandleFunc("/balances/{token}/{owner}", s.handleGetBalance).Methods("GET")
	if s.cfg.Faucet != nil {
		api.HandleFunc("/dev/faucet", s.handleFaucet).Methods("POST")
	}

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and serves HTTP on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	s.logger.Infow("api_server_listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetInvalidator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["maker"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["maker"])
		return
	}
	slot, err := strconv.ParseUint(vars["slot"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid slot", err.Error())
		return
	}

	maker := common.HexToAddress(vars["maker"])
	word, err := s.engine.InvalidatorStatus(maker, slot)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "invalidator query failed", err.Error())
		return
	}

	respondJSON(w, invalidatorWord(maker, slot, word))
}

func (s *Server) handleGetMakerInvalidator(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["maker"]) {
		respondError(w, http.StatusBadRequest, "invalid address", vars["maker"])
		return
	}

	maker := common.HexToAddress(vars["maker"])
	rows, err := s.engine.InvalidatorRows(maker)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "invalidator query failed", err.Error())
		return
	}

	resp := MakerInvalidatorResponse{Maker: maker.Hex(), Slots: make([]InvalidatorStatusResponse, 0, len(rows))}
	for _, row := range rows {
		resp.Slots = append(resp.Slots, invalidatorWord(maker, row.Slot, row.Word))
	}
	respondJSON(w, resp)
}

func invalidatorWord(maker common.Address, slot uint64, word invalidator.Bitmap) InvalidatorStatusResponse {
	return InvalidatorStatusResponse{
		Maker:  maker.Hex(),
		Slot:   slot,
		Bitmap: word.Hex(),
		Value:  word.String(),
		Count:  word.Count(),
	}
}

func (s *Server) handleHashOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	info, err := s.engine.Layout().Decode(order.Info)
	if err != nil {
		respondFillError(w, err)
		return
	}

	signer := s.engine.Signer()
	hash, err := signer.HashOrder(order)
	if err != nil {
		respondError(w, http.StatusBadRequest, "hash failed", err.Error())
		return
	}
	typed, err := signer.OrderToJSON(order)
	if err != nil {
		respondError(w, http.StatusBadRequest, "typed data failed", err.Error())
		return
	}

	respondJSON(w, HashOrderResponse{
		OrderHash: hash.Hex(),
		Slot:      info.Slot(),
		Bit:       info.Bit(),
		Expiry:    info.Expiry(),
		TypedData: json.RawMessage(typed),
	})
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	order, ok := s.decodeOrder(w, r)
	if !ok {
		return
	}
	live, err := s.engine.OrderLive(order, util.UnixNow(s.cfg.Clock))
	if err != nil {
		respondFillError(w, err)
		return
	}
	hash, _ := s.engine.Signer().HashOrder(order)
	respondJSON(w, OrderStatusResponse{OrderHash: hash.Hex(), Live: live})
}

func (s *Server) decodeOrder(w http.ResponseWriter, r *http.Request) (*rfq.Order, bool) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return nil, false
	}
	order, err := req.Order.ToOrder()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return nil, false
	}
	return order, true
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	fill, err := s.parseFill(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid fill request", err.Error())
		return
	}

	// The taker proves its identity by signing the exact fill it asks for.
	signer := s.engine.Signer()
	orderHash, err := signer.HashOrder(fill.Order)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	takerSig, err := hexutil.Decode(req.TakerSignature)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid taker signature", err.Error())
		return
	}
	fillHash, err := signer.HashFill(&crypto.FillEIP712{
		OrderHash:    orderHash,
		MakingAmount: fill.MakingAmount,
		TakingAmount: fill.TakingAmount,
		Target:       fill.Recipient,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid fill request", err.Error())
		return
	}
	taker, err := crypto.RecoverAddress(fillHash.Bytes(), takerSig)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid taker signature", err.Error())
		return
	}
	fill.Caller = taker
	fill.Now = util.UnixNow(s.cfg.Clock)

	var receipt *settlement.FillReceipt
	if req.Permit != nil {
		if s.permits == nil {
			respondError(w, http.StatusBadRequest, "permits not supported", "")
			return
		}
		permit, err := parsePermit(req.Permit, fill, signer.Domain().VerifyingContract)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid permit", err.Error())
			return
		}
		receipt, err = s.permits.FillWithPermit(r.Context(), *fill, permit)
		if err != nil {
			respondFillError(w, err)
			return
		}
	} else {
		receipt, err = s.engine.Fill(r.Context(), *fill)
		if err != nil {
			respondFillError(w, err)
			return
		}
	}

	respondJSON(w, FillOrderResponse{
		Status:       "filled",
		OrderHash:    receipt.OrderHash.Hex(),
		Maker:        receipt.Maker.Hex(),
		Taker:        receipt.Taker.Hex(),
		Recipient:    receipt.Recipient.Hex(),
		MakingAmount: receipt.MakingAmount.String(),
		TakingAmount: receipt.TakingAmount.String(),
		Slot:         receipt.Slot,
		Bit:          receipt.Bit,
	})
}

func (s *Server) parseFill(req *FillOrderRequest) (*settlement.FillRequest, error) {
	order, err := req.Order.ToOrder()
	if err != nil {
		return nil, err
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	making, err := rfq.ParseAmount("makingAmount", req.MakingAmount)
	if err != nil {
		return nil, err
	}
	taking, err := rfq.ParseAmount("takingAmount", req.TakingAmount)
	if err != nil {
		return nil, err
	}
	target, err := rfq.ParseAddress(req.Target)
	if err != nil {
		return nil, err
	}
	return &settlement.FillRequest{
		Order:        order,
		Signature:    sig,
		MakingAmount: making,
		TakingAmount: taking,
		Recipient:    target,
	}, nil
}

// parsePermit builds the taker's permit for the order's taker asset.
func parsePermit(p *PermitPayload, fill *settlement.FillRequest, spender common.Address) (ledger.Permit, error) {
	value, err := rfq.ParseAmount("value", p.Value)
	if err != nil {
		return ledger.Permit{}, err
	}
	deadline, err := rfq.ParseAmount("deadline", p.Deadline)
	if err != nil {
		return ledger.Permit{}, err
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return ledger.Permit{}, fmt.Errorf("signature: %w", err)
	}
	return ledger.Permit{
		Token:     fill.Order.TakerAsset,
		Owner:     fill.Caller,
		Spender:   spender,
		Value:     value,
		Deadline:  deadline,
		Signature: sig,
	}, nil
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if !common.IsHexAddress(req.Maker) {
		respondError(w, http.StatusBadRequest, "invalid maker", req.Maker)
		return
	}
	maker := common.HexToAddress(req.Maker)
	info, err := rfq.ParseAmount("info", req.Info)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid info", err.Error())
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "missing signature", err.Error())
		return
	}

	hash, err := s.engine.Signer().HashCancel(&crypto.CancelEIP712{Maker: maker, Info: info})
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid cancel request", err.Error())
		return
	}
	if !crypto.VerifySignature(maker, hash.Bytes(), sig) {
		respondError(w, http.StatusUnauthorized, "invalid signature", "signature does not recover to maker")
		return
	}

	receipt, err := s.engine.Cancel(r.Context(), maker, info)
	if err != nil {
		respondFillError(w, err)
		return
	}

	respondJSON(w, CancelOrderResponse{
		Status: "cancelled",
		Maker:  receipt.Maker.Hex(),
		Slot:   receipt.Slot,
		Bit:    receipt.Bit,
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if !common.IsHexAddress(vars["token"]) || !common.IsHexAddress(vars["owner"]) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	token, owner := common.HexToAddress(vars["token"]), common.HexToAddress(vars["owner"])

	balance, err := s.ledger.BalanceOf(token, owner)
	if errors.Is(err, ledger.ErrUnknownToken) {
		respondError(w, http.StatusNotFound, "token not found", token.Hex())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "balance query failed", err.Error())
		return
	}

	respondJSON(w, BalanceResponse{Token: token.Hex(), Owner: owner.Hex(), Balance: balance.String()})
}

// handleFaucet mints to owner and grants the settlement contract an unlimited allowance.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Token) || !common.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}
	amount, err := rfq.ParseAmount("amount", req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return
	}
	token, owner := common.HexToAddress(req.Token), common.HexToAddress(req.Owner)

	if err := s.cfg.Faucet.Mint(token, owner, amount); err != nil {
		respondFillError(w, err)
		return
	}
	spender := s.engine.Signer().Domain().VerifyingContract
	if err := s.cfg.Faucet.Approve(token, owner, spender, math.MaxBig256); err != nil {
		respondFillError(w, err)
		return
	}
	s.logger.Infow("faucet_minted", "token", token.Hex(), "owner", owner.Hex(), "amount", amount)

	balance, _ := s.ledger.BalanceOf(token, owner)
	respondJSON(w, BalanceResponse{Token: token.Hex(), Owner: owner.Hex(), Balance: balance.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// errorStatus maps settlement and ledger failures to HTTP status and error code.
var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{settlement.ErrSenderNotAllowed, http.StatusForbidden, "sender_not_allowed"},
	{settlement.ErrOrderExpired, http.StatusGone, "order_expired"},
	{settlement.ErrOrderInvalidated, http.StatusConflict, "order_invalidated"},
	{settlement.ErrBadSignature, http.StatusUnauthorized, "bad_signature"},
	{settlement.ErrZeroSwapAmount, http.StatusBadRequest, "zero_swap_amount"},
	{settlement.ErrExceedsOrderAmount, http.StatusBadRequest, "exceeds_order_amount"},
	{settlement.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{settlement.ErrPermitExpired, http.StatusGone, "permit_expired"},
	{settlement.ErrPermitInvalidSignature, http.StatusUnauthorized, "permit_invalid_signature"},
	{rfq.ErrInvalidOrder, http.StatusBadRequest, "invalid_order"},
	{rfq.ErrInfoOverflow, http.StatusBadRequest, "invalid_order"},
	{invalidator.ErrAlreadyConsumed, http.StatusConflict, "order_invalidated"},
	{ledger.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{ledger.ErrInsufficientAllowance, http.StatusUnprocessableEntity, "insufficient_allowance"},
	{ledger.ErrUnknownToken, http.StatusUnprocessableEntity, "unknown_token"},
	{ledger.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
}

func respondFillError(w http.ResponseWriter, err error) {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			respondError(w, e.status, e.code, err.Error())
			return
		}
	}
	respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
