package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/pkg/crypto"
	"github.com/uhyunpark/hyperswap/pkg/errs"
	"github.com/uhyunpark/hyperswap/pkg/escrow"
	"github.com/uhyunpark/hyperswap/pkg/metrics"
	"github.com/uhyunpark/hyperswap/pkg/orderbook"
	"github.com/uhyunpark/hyperswap/pkg/swap"
)

// seenIntents bounds the replay cache of fill intents.
const seenIntents = 65536

// Server handles REST API and WebSocket connections
type Server struct {
	book    *orderbook.Book
	swaps   *swap.Coordinator // nil when this node executes no swaps
	eip712  *crypto.EIP712Signer
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	router  *mux.Router
	hub     *Hub

	// fill intents already submitted, so a signed intent fills at most once
	seen *lru.Cache[common.Hash, struct{}]

	fmu     sync.RWMutex
	onFills []func(*orderbook.Order, *orderbook.FillRecord)
}

func NewServer(book *orderbook.Book, swaps *swap.Coordinator, eip712 *crypto.EIP712Signer, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	seen, err := lru.New[common.Hash, struct{}](seenIntents)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	s := &Server{
		book:    book,
		swaps:   swaps,
		eip712:  eip712,
		metrics: m,
		log:     log,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		seen:    seen,
	}

	book.OnOrder(func(o *orderbook.Order) {
		s.hub.BroadcastToChannel(ChannelOrders, WSMessage{Type: "order", Data: newOrderInfo(o)})
	})
	book.OnFill(func(o *orderbook.Order, f *orderbook.FillRecord) {
		s.hub.BroadcastToChannel(ChannelFills, WSMessage{Type: "fill", Data: newFillInfo(f)})
		s.hub.BroadcastToChannel(ChannelOrders, WSMessage{Type: "order", Data: newOrderInfo(o)})
	})
	if swaps != nil {
		swaps.OnSwap(func(sw *swap.Swap) {
			s.hub.BroadcastToChannel(ChannelSwaps, WSMessage{Type: "swap", Data: newSwapInfo(sw, nil)})
		})
	}

	s.hub.snapshot = s.snapshot

	s.setupRoutes()
	return s
}

// snapshot is sent to a client right after it subscribes so it does not
// have to race the REST endpoints for the initial state.
func (s *Server) snapshot(channel string) (WSMessage, bool) {
	switch channel {
	case ChannelOrders:
		open := s.book.ListOpenOrders()
		out := make([]OrderInfo, 0, len(open))
		for _, o := range open {
			out = append(out, newOrderInfo(o))
		}
		return WSMessage{Type: "orders_snapshot", Data: out}, true
	case ChannelSwaps:
		if s.swaps == nil {
			return WSMessage{}, false
		}
		swaps, err := s.swaps.Swaps()
		if err != nil {
			s.log.Warnw("ws_snapshot_failed", "channel", channel, "err", err)
			return WSMessage{}, false
		}
		out := make([]SwapInfo, 0, len(swaps))
		for _, sw := range swaps {
			out = append(out, newSwapInfo(sw, nil))
		}
		return WSMessage{Type: "swaps_snapshot", Data: out}, true
	}
	return WSMessage{}, false
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Order book
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{hash}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{hash}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{hash}/fills", s.handleGetFills).Methods("GET")
	api.HandleFunc("/orders/{hash}/fills", s.handleSubmitFill).Methods("POST")

	// Swaps
	api.HandleFunc("/swaps", s.handleListSwaps).Methods("GET")
	api.HandleFunc("/swaps/{hash}", s.handleGetSwap).Methods("GET")
	api.HandleFunc("/swaps/{hash}/resolve", s.handleResolve).Methods("POST")
	api.HandleFunc("/swaps/{hash}/refund", s.handleRefund).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// OnFillAccepted registers fn for every fill this server accepts. The
// winning resolver's node commits the fill; a node registers its own
// bidder here so fills it wins through the API are executed too.
func (s *Server) OnFillAccepted(fn func(*orderbook.Order, *orderbook.FillRecord)) {
	s.fmu.Lock()
	s.onFills = append(s.onFills, fn)
	s.fmu.Unlock()
}

func (s *Server) fillAccepted(hash common.Hash, fill *orderbook.FillRecord) {
	o, err := s.book.GetOrder(hash)
	if err != nil {
		s.log.Warnw("accepted_fill_order_missing", "order", hash.Hex(), "err", err)
		return
	}
	s.fmu.RLock()
	defer s.fmu.RUnlock()
	for _, fn := range s.onFills {
		fn(o.Clone(), fill.Clone())
	}
}

// Handler is the router behind CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves the API on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ==============================
// Order book handlers
// ==============================

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.book.ListOpenOrders()
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = newOrderInfo(o)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	o, err := s.book.GetOrder(hash)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newOrderInfo(o))
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := req.Order()
	if err != nil {
		respondErr(w, err)
		return
	}
	placed, err := s.book.PlaceOrder(o)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newOrderInfo(placed))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	var req CancelOrderRequest
	if !decode(w, r, &req) {
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondErr(w, errs.Validation("api.CancelOrder", "invalid signature: %v", err))
		return
	}
	o, err := s.book.CancelOrder(hash, sig)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newOrderInfo(o))
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	if _, err := s.book.GetOrder(hash); err != nil {
		respondErr(w, err)
		return
	}
	fills := s.book.Fills(hash)
	response := make([]FillInfo, len(fills))
	for i, f := range fills {
		response[i] = newFillInfo(f)
	}
	respondJSON(w, http.StatusOK, response)
}

// handleSubmitFill records a resolver's signed fill intent. The order book
// decides the race: the first fill it durably records wins and later ones
// that no longer fit get 409.
func (s *Server) handleSubmitFill(w http.ResponseWriter, r *http.Request) {
	const op = "api.SubmitFill"
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	var req FillRequest
	if !decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Resolver) {
		respondErr(w, errs.Validation(op, "invalid resolver address %q", req.Resolver))
		return
	}
	intent := &crypto.FillIntentEIP712{OrderHash: hash, Resolver: common.HexToAddress(req.Resolver)}
	if intent.Amount, err = parseAmount("amount", req.Amount); err != nil {
		respondErr(w, err)
		return
	}
	if intent.Nonce, err = parseAmount("nonce", req.Nonce); err != nil {
		respondErr(w, err)
		return
	}
	var expected *big.Int
	if req.ExpectedRemaining != "" {
		if expected, err = parseAmount("expectedRemaining", req.ExpectedRemaining); err != nil {
			respondErr(w, err)
			return
		}
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondErr(w, errs.Validation(op, "invalid signature: %v", err))
		return
	}
	if ok, err := s.eip712.VerifyFillIntent(intent, sig); err != nil || !ok {
		respondErr(w, errs.Validation(op, "fill intent not signed by resolver %s", intent.Resolver.Hex()))
		return
	}

	intentHash, err := s.eip712.HashFillIntent(intent)
	if err != nil {
		respondErr(w, errs.Wrap(errs.KindValidation, op, err))
		return
	}
	if seen, _ := s.seen.ContainsOrAdd(intentHash, struct{}{}); seen {
		respondErr(w, errs.StateConflict(op, "fill intent %s already submitted", intentHash.Hex()))
		return
	}

	fill, err := s.book.SubmitFillExpecting(hash, intent.Resolver, intent.Amount, expected)
	if err != nil {
		// a rejected intent may be retried
		s.seen.Remove(intentHash)
		respondErr(w, err)
		return
	}
	s.fillAccepted(hash, fill)
	respondJSON(w, http.StatusOK, newFillInfo(fill))
}

// ==============================
// Swap handlers
// ==============================

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	if !s.hasSwaps(w) {
		return
	}
	swaps, err := s.swaps.Swaps()
	if err != nil {
		respondErr(w, err)
		return
	}
	response := make([]SwapInfo, len(swaps))
	for i, sw := range swaps {
		response[i] = newSwapInfo(sw, nil)
	}
	respondJSON(w, http.StatusOK, response)
}

// handleGetSwap returns the stored swap with both escrows re-read from
// chain. When a chain cannot be reached the stored view is returned with
// liveError set.
func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	if !s.hasSwaps(w) {
		return
	}
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	sw, err := s.swaps.Swap(hash)
	if err != nil {
		respondErr(w, err)
		return
	}
	live, err := s.swaps.GetEscrowState(r.Context(), hash)
	info := newSwapInfo(sw, live)
	if err != nil {
		info.LiveError = err.Error()
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if !s.hasSwaps(w) {
		return
	}
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	var req ResolveRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	side, err := parseSide(req.Leg)
	if err != nil {
		respondErr(w, err)
		return
	}
	if side == escrow.SideSource {
		err = s.swaps.ClaimSource(r.Context(), hash)
	} else {
		var secret crypto.Secret
		if secret, err = crypto.ParseSecret(req.Secret); err != nil {
			respondErr(w, errs.Validation("api.Resolve", "the destination leg needs the maker's secret: %v", err))
			return
		}
		err = s.swaps.Reveal(r.Context(), hash, secret)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	s.respondSwap(w, hash)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	if !s.hasSwaps(w) {
		return
	}
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondErr(w, err)
		return
	}
	var req RefundRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Side == "" {
		respondErr(w, errs.Validation("api.Refund", "side is required"))
		return
	}
	side, err := parseSide(req.Side)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := s.swaps.Refund(r.Context(), hash, side); err != nil {
		respondErr(w, err)
		return
	}
	s.respondSwap(w, hash)
}

func (s *Server) respondSwap(w http.ResponseWriter, hash common.Hash) {
	sw, err := s.swaps.Swap(hash)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newSwapInfo(sw, nil))
}

func (s *Server) hasSwaps(w http.ResponseWriter) bool {
	if s.swaps == nil {
		respondError(w, http.StatusServiceUnavailable, "swaps disabled", "this node executes no swaps", "")
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"openOrders": len(s.book.ListOpenOrders()),
		"wsClients":  s.hub.Clients(),
	})
}

// ==============================
// Helper Functions
// ==============================

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	if errors.Is(err, orderbook.ErrOrderNotFound) || errors.Is(err, swap.ErrSwapNotFound) {
		return http.StatusNotFound
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindStateConflict:
		return http.StatusConflict
	case errs.KindTiming:
		return http.StatusUnprocessableEntity
	case errs.KindSecretMismatch:
		return http.StatusForbidden
	case errs.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error(), errs.KindValidation.String())
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decode(w, r, v)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	respondError(w, status, http.StatusText(status), err.Error(), errs.KindOf(err).String())
}

func respondError(w http.ResponseWriter, status int, error, message, kind string) {
	respondJSON(w, status, ErrorResponse{Error: error, Kind: kind, Message: message})
}
