// Package api serves the node's REST and WebSocket interfaces. Writes go
// through POST /api/v1/tx as signed actions; everything else is a read of
// committed state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperescrow/pkg/app/core/custody"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/escrow"
	"github.com/uhyunpark/hyperescrow/pkg/app/core/transaction"
	"github.com/uhyunpark/hyperescrow/pkg/app/market"
)

const (
	maxTxBodyBytes  = 1 << 20
	requestIDHeader = "X-Request-ID"
)

type ctxKey struct{}

// Options configures a Server. Zero values are usable.
type Options struct {
	CORSOrigins []string     // default: http://localhost:3000
	Metrics     http.Handler // mounted at /metrics when set
	Logger      *zap.Logger
}

// Server handles REST API and WebSocket connections
type Server struct {
	app     *market.App
	router  *mux.Router
	hub     *Hub
	log     *zap.SugaredLogger
	opts    Options
	httpSrv *http.Server
}

// NewServer wires the routes and subscribes the WebSocket hub to the app's
// receipts. Close stops the hub.
func NewServer(app *market.App, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"http://localhost:3000"}
	}
	log := opts.Logger.Sugar()
	s := &Server{
		app:    app,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
		opts:   opts,
	}
	s.setupRoutes()
	go s.hub.Run()
	app.Subscribe(s.publishReceipt)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Transaction submission
	api.HandleFunc("/tx", s.handleSubmitTx).Methods("POST")
	api.HandleFunc("/receipts/{hash}", s.handleGetReceipt).Methods("GET")

	// Orders and bids
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/bids", s.handleGetBids).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/bids/{bid:[0-9]+}", s.handleGetBid).Methods("GET")

	// Engine configuration and ledgers
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/registry", s.handleGetRegistry).Methods("GET")
	api.HandleFunc("/fees/{asset}", s.handleGetFees).Methods("GET")
	api.HandleFunc("/refunds/{address}/{asset}", s.handleGetRefund).Methods("GET")

	// Custody and accounts
	api.HandleFunc("/balances/{address}/{asset}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/items/{source}/{item:[0-9]+}/{owner}", s.handleGetItemBalance).Methods("GET")
	api.HandleFunc("/nonces/{address}", s.handleGetNonce).Methods("GET")

	// Chain endpoints
	api.HandleFunc("/chain/status", s.handleGetChainStatus).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.Close()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Close stops the WebSocket hub.
func (s *Server) Close() { s.hub.Stop() }

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBodyBytes))
	if err != nil {
		s.respondError(w, r, http.StatusRequestEntityTooLarge, "failed to read body", err.Error())
		return
	}

	act, err := s.app.CheckTx(body)
	if err != nil {
		s.respondError(w, r, statusFor(err), "transaction rejected", err.Error())
		return
	}
	if last := s.app.Nonce(act.Sender); act.Nonce <= last {
		s.respondError(w, r, http.StatusConflict, "stale nonce",
			"nonce "+strconv.FormatUint(act.Nonce, 10)+" not above "+strconv.FormatUint(last, 10))
		return
	}

	s.app.PushTx(body)
	hash := act.Hash().Hex()
	s.log.Infow("tx_submitted",
		"request_id", requestIDFrom(r),
		"hash", hash,
		"kind", act.Kind,
		"sender", act.Sender.Hex(),
		"nonce", act.Nonce)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	respondJSON(w, SubmitTxResponse{Status: "queued", Hash: hash})
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	b, err := decodeHash(raw)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid hash", err.Error())
		return
	}
	rcpt, ok, err := s.app.Receipt(b)
	if err != nil {
		s.respondError(w, r, http.StatusInternalServerError, "receipt lookup failed", err.Error())
		return
	}
	if !ok {
		s.respondError(w, r, http.StatusNotFound, "receipt not found", "")
		return
	}
	respondJSON(w, rcpt)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	o, ok := s.app.Order(id)
	if !ok {
		s.respondError(w, r, http.StatusNotFound, "order not found", "")
		return
	}
	respondJSON(w, toOrderInfo(o))
}

// handleGetBids lists bids of live and closed orders alike.
func (s *Server) handleGetBids(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	bids := s.app.Bids(id)
	out := make([]BidInfo, len(bids))
	for i, b := range bids {
		out[i] = toBidInfo(b)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseUint(vars["id"], 10, 64)
	bidID, _ := strconv.ParseUint(vars["bid"], 10, 64)
	b, ok := s.app.Bid(id, bidID)
	if !ok {
		s.respondError(w, r, http.StatusNotFound, "bid not found", "")
		return
	}
	respondJSON(w, toBidInfo(b))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.app.Info())
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	snap := s.app.Registry()
	out := RegistryInfo{
		ItemSources:   make([]string, len(snap.ItemSources)),
		PaymentAssets: make([]string, len(snap.PaymentAssets)),
	}
	for i, a := range snap.ItemSources {
		out.ItemSources[i] = a.Hex()
	}
	for i, a := range snap.PaymentAssets {
		out.PaymentAssets[i] = a.Hex()
	}
	respondJSON(w, out)
}

func (s *Server) handleGetFees(w http.ResponseWriter, r *http.Request) {
	asset, ok := s.address(w, r, "asset")
	if !ok {
		return
	}
	f := s.app.FeeEntry(asset)
	respondJSON(w, FeeInfo{
		Asset:     asset.Hex(),
		Generated: f.Generated,
		Claimed:   f.Claimed,
		Claimable: f.Claimable(),
	})
}

func (s *Server) handleGetRefund(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r, "address")
	if !ok {
		return
	}
	asset, ok := s.address(w, r, "asset")
	if !ok {
		return
	}
	respondJSON(w, BalanceInfo{Address: addr.Hex(), Asset: asset.Hex(), Balance: s.app.RefundCredit(addr, asset)})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r, "address")
	if !ok {
		return
	}
	asset, ok := s.address(w, r, "asset")
	if !ok {
		return
	}
	bal, err := s.app.Balance(addr, asset)
	if err != nil {
		s.respondError(w, r, http.StatusNotFound, "unknown asset", err.Error())
		return
	}
	respondJSON(w, BalanceInfo{Address: addr.Hex(), Asset: asset.Hex(), Balance: bal})
}

func (s *Server) handleGetItemBalance(w http.ResponseWriter, r *http.Request) {
	source, ok := s.address(w, r, "source")
	if !ok {
		return
	}
	owner, ok := s.address(w, r, "owner")
	if !ok {
		return
	}
	item, _ := strconv.ParseUint(mux.Vars(r)["item"], 10, 64)
	units, err := s.app.ItemBalance(source, custody.ItemID(item), owner)
	if err != nil {
		s.respondError(w, r, http.StatusNotFound, "unknown item source", err.Error())
		return
	}
	respondJSON(w, ItemBalanceInfo{Source: source.Hex(), Item: item, Owner: owner.Hex(), Units: units})
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.address(w, r, "address")
	if !ok {
		return
	}
	respondJSON(w, NonceInfo{Address: addr.Hex(), Nonce: s.app.Nonce(addr)})
}

func (s *Server) handleGetChainStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, toStatus(s.app.Info(), s.app.PendingTxs()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"status": "ok", "height": s.app.LastHeight()})
}

// ==============================
// Broadcast
// ==============================

// publishReceipt fans a committed receipt out to the events channel, the
// channels of every order it touched and the accounts involved.
func (s *Server) publishReceipt(rcpt market.Receipt) {
	channels := map[string]struct{}{channelEvents: {}}
	if rcpt.OrderID != nil {
		channels[orderChannel(*rcpt.OrderID)] = struct{}{}
	}
	if rcpt.Sender != (common.Address{}) {
		channels[accountChannel(rcpt.Sender)] = struct{}{}
	}
	for _, ev := range rcpt.Events {
		if ev.OrderID != 0 {
			channels[orderChannel(ev.OrderID)] = struct{}{}
		}
		for _, a := range []common.Address{ev.Account, ev.Counterparty} {
			if a != (common.Address{}) {
				channels[accountChannel(a)] = struct{}{}
			}
		}
	}
	s.hub.Publish(channels, WSMessage{Type: "receipt", Data: rcpt})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps a rejection to an HTTP status by its error kind.
func statusFor(err error) int {
	switch {
	case errors.Is(err, transaction.ErrBadSignature), errors.Is(err, escrow.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrState):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrTransfer):
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) address(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		s.respondError(w, r, http.StatusBadRequest, "invalid "+name, raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decodeHash(raw string) (common.Hash, error) {
	s := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, errors.New("hash must be 32 bytes")
	}
	return common.BytesToHash(b), nil
}

func requestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     error,
		Message:   message,
		RequestID: requestIDFrom(r),
	})
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "request_id", requestIDFrom(r), "path", r.URL.Path, "err", message)
	}
}
