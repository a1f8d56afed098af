package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jackpot/internal/config"
	"jackpot/internal/metrics"
	"jackpot/internal/pot"
	"jackpot/internal/wallet"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	pot     *pot.Engine
	clock   clockwork.Clock
	limiter *RateLimiter
	mux     *chi.Mux
}

// New wires the HTTP API over engine. clock may be nil.
func New(cfg config.APIConfig, logger *slog.Logger, engine *pot.Engine, clock clockwork.Clock) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SignatureMaxSkew <= 0 {
		cfg.SignatureMaxSkew = 60 * time.Second
	}
	s := &Server{
		cfg:   cfg,
		log:   logger,
		pot:   engine,
		clock: clock,
		mux:   chi.NewRouter(),
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = NewRateLimiter(cfg.RateLimitPerMinute, max(cfg.RateLimitPerMinute/6, 5))
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{
				"Content-Type",
				wallet.HeaderSigner,
				wallet.HeaderTimestamp,
				wallet.HeaderSignature,
				wallet.HeaderIdempotencyKey,
			},
			MaxAge: 300,
		}))
	}
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Get("/pot", s.handleStatus)
		r.Get("/rounds", s.handleRounds)
		r.Get("/accounts/{address}/balance", s.handleBalance)

		r.Group(func(r chi.Router) {
			r.Use(s.signatureMiddleware)
			r.Post("/pot/initialize", s.handleInitialize)
			r.Post("/rounds/start", s.handleStartRound)
			r.Post("/deposits", s.handleDeposit)
			r.Post("/rounds/end", s.handleEndRound)
			r.Post("/rounds/reset", s.handleResetIfNoWinner)
			r.Post("/rounds/distribute", s.handleDistribute)
			r.Post("/admin/withdraw", s.handleAdminWithdraw)
			if s.cfg.DevFaucet {
				r.Post("/dev/airdrop", s.handleAirdrop)
			}
		})
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pot.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRounds(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rounds, err := s.pot.Rounds(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := solana.PublicKeyFromBase58(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", "invalid address")
		return
	}
	lamports, err := s.pot.Balance(r.Context(), account)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: account, Lamports: lamports})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	out, err := s.pot.Initialize(r.Context(), signer)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	out, err := s.pot.StartRound(r.Context(), signer)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	var in DepositRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	out, err := s.pot.Deposit(r.Context(), signer, in.Lamports)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleEndRound(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	out, err := s.pot.EndRound(r.Context(), signer)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResetIfNoWinner(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	out, err := s.pot.ResetIfNoWinner(r.Context(), signer)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	var in pot.DistributeInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	out, err := s.pot.DistributeRewards(r.Context(), in)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminWithdraw(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	withdrawn, err := s.pot.AdminWithdraw(r.Context(), signer)
	if err != nil {
		s.fail(w, signer, err)
		return
	}
	writeJSON(w, http.StatusOK, WithdrawResponse{Withdrawn: withdrawn})
}

func (s *Server) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	signer, err := signerFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
		return
	}
	var in AirdropRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if in.Address.IsZero() {
		in.Address = signer
	}
	if err := s.pot.Airdrop(r.Context(), in.Address, in.Lamports); err != nil {
		s.fail(w, signer, err)
		return
	}
	balance, err := s.pot.Balance(r.Context(), in.Address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Address: in.Address, Lamports: balance})
}

func (s *Server) fail(w http.ResponseWriter, signer solana.PublicKey, err error) {
	if pot.Code(err) == "Internal" {
		s.log.Error("operation failed", "signer", signer, "error", err)
	}
	writeDomainError(w, err)
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := pot.Code(err)
	switch {
	case errors.Is(err, pot.ErrNotInitialized):
		writeError(w, http.StatusNotFound, code, err.Error())
	case errors.Is(err, pot.ErrMinDeposit), errors.Is(err, pot.ErrInvalidAmount),
		errors.Is(err, pot.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, code, err.Error())
	case errors.Is(err, pot.ErrInvalidWinnerAccount), errors.Is(err, pot.ErrInvalidCallerAccount),
		errors.Is(err, pot.ErrInvalidBuybackAccount), errors.Is(err, pot.ErrInvalidFeeAccount),
		errors.Is(err, pot.ErrUnauthorizedTransfer):
		writeError(w, http.StatusForbidden, code, err.Error())
	case errors.Is(err, pot.ErrGameInactive), errors.Is(err, pot.ErrInvalidState),
		errors.Is(err, pot.ErrCooldownActive), errors.Is(err, pot.ErrNoDeposits),
		errors.Is(err, pot.ErrRandomnessNotAvailable), errors.Is(err, pot.ErrPotNotEmpty),
		errors.Is(err, pot.ErrCannotWithdrawDuringActive), errors.Is(err, pot.ErrInsufficientFundsForRent),
		errors.Is(err, pot.ErrAlreadyInitialized), errors.Is(err, pot.ErrTxConflict),
		errors.Is(err, pot.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, code, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, code, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: strings.TrimSpace(message), Code: code})
}
