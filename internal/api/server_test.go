package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"jackpot/internal/config"
	"jackpot/internal/pot"
	"jackpot/internal/store/memory"
	"jackpot/internal/wallet"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t       *testing.T
	clock   *clockwork.FakeClock
	store   *memory.Store
	engine  *pot.Engine
	handler http.Handler
	buyback solana.PublicKey
	fee     solana.PublicKey
}

func newHarness(t *testing.T, mutate func(*config.APIConfig)) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	store := memory.New()
	h := &harness{
		t:       t,
		clock:   clock,
		store:   store,
		buyback: solana.NewWallet().PublicKey(),
		fee:     solana.NewWallet().PublicKey(),
	}
	engine, err := pot.NewEngine(pot.Config{
		Clock:     clock,
		ProgramID: solana.NewWallet().PublicKey(),
		Buyback:   h.buyback,
		Fee:       h.fee,
	}, store)
	require.NoError(t, err)
	h.engine = engine

	cfg := config.APIConfig{SignatureMaxSkew: time.Minute, DevFaucet: true}
	if mutate != nil {
		mutate(&cfg)
	}
	h.handler = New(cfg, nil, engine, clock).Handler()
	return h
}

func (h *harness) funded(lamports uint64) solana.PrivateKey {
	h.t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(h.t, err)
	require.NoError(h.t, h.store.Airdrop(h.t.Context(), key.PublicKey(), lamports))
	return key
}

func (h *harness) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) post(key solana.PrivateKey, path string, body any, idem string) *httptest.ResponseRecorder {
	h.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(h.t, err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	require.NoError(h.t, wallet.SignRequest(req, key, raw, h.clock.Now(), idem))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// signed returns a factory for byte-identical copies of one signed request.
func (h *harness) signed(key solana.PrivateKey, path string, body any, idem string) func() *http.Request {
	h.t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(h.t, err)
	first := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	require.NoError(h.t, wallet.SignRequest(first, key, raw, h.clock.Now(), idem))
	return func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
		req.Header = first.Header.Clone()
		return req
	}
}

func serve(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) openRound() {
	h.t.Helper()
	admin := h.funded(pot.LamportsPerSOL)
	require.Equal(h.t, http.StatusCreated, h.post(admin, "/v1/pot/initialize", nil, "").Code)
	h.clock.Advance(pot.DefaultCooldownDuration)
	require.Equal(h.t, http.StatusOK, h.post(admin, "/v1/rounds/start", nil, "").Code)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func requireCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decode[errorBody](t, rec)
	require.Equal(t, code, body.Code)
}

func TestRoundOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.funded(10 * pot.LamportsPerSOL)
	alice := h.funded(pot.LamportsPerSOL)
	bob := h.funded(pot.LamportsPerSOL)
	closer := h.funded(pot.LamportsPerSOL)

	rec := h.get("/v1/pot")
	requireCode(t, rec, http.StatusNotFound, "NotInitialized")

	rec = h.post(admin, "/v1/pot/initialize", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	initialized := decode[pot.Pot](t, rec)
	require.Equal(t, h.engine.Address(), initialized.Address)
	require.Equal(t, pot.StateInactive, initialized.State)

	rec = h.post(admin, "/v1/pot/initialize", nil, "")
	requireCode(t, rec, http.StatusConflict, "AlreadyInitialized")

	rec = h.post(admin, "/v1/rounds/start", nil, "")
	requireCode(t, rec, http.StatusConflict, "CooldownActive")

	h.clock.Advance(pot.DefaultCooldownDuration)
	rec = h.post(alice, "/v1/rounds/start", nil, "")
	requireCode(t, rec, http.StatusForbidden, "InvalidCallerAccount")
	rec = h.post(admin, "/v1/rounds/start", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	h.clock.Advance(10 * time.Second)
	rec = h.post(alice, "/v1/deposits", DepositRequest{Lamports: 49_999_999}, "")
	requireCode(t, rec, http.StatusBadRequest, "MinDeposit")
	rec = h.post(alice, "/v1/deposits", DepositRequest{Lamports: 50_000_000}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.post(bob, "/v1/deposits", DepositRequest{Lamports: 100_000_000}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	h.clock.Advance(50 * time.Second)
	rec = h.post(closer, "/v1/rounds/end", nil, "")
	requireCode(t, rec, http.StatusConflict, "CooldownActive")

	h.clock.Advance(61 * time.Second)
	rec = h.post(closer, "/v1/rounds/end", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ended := decode[pot.Pot](t, rec)
	require.Equal(t, pot.StateCooldown, ended.State)
	require.NotNil(t, ended.SelectedWinner)
	require.NotNil(t, ended.RandomSeed)
	require.Equal(t, closer.PublicKey(), *ended.RoundCloser)

	status := decode[pot.Status](t, h.get("/v1/pot"))
	require.True(t, status.CanDistribute)
	require.Equal(t, h.buyback, status.Buyback)

	in := pot.DistributeInput{
		Winner:  *ended.SelectedWinner,
		Buyback: h.buyback,
		Fee:     h.fee,
		Closer:  closer.PublicKey(),
	}
	wrong := in
	wrong.Fee = h.buyback
	h.clock.Advance(time.Second)
	rec = h.post(bob, "/v1/rounds/distribute", wrong, "")
	requireCode(t, rec, http.StatusForbidden, "InvalidFeeAccount")

	rec = h.post(bob, "/v1/rounds/distribute", in, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode[pot.RoundSummary](t, rec)
	require.Equal(t, pot.OutcomeDistributed, summary.Outcome)
	require.Equal(t, uint64(150_000_000), summary.TotalAmount)

	balance := decode[BalanceResponse](t, h.get("/v1/accounts/"+h.buyback.String()+"/balance"))
	require.Equal(t, pot.DefaultSplit().Apply(summary.Distributable).Buyback, balance.Lamports)

	rounds := decode[struct {
		Rounds []pot.RoundSummary `json:"rounds"`
	}](t, h.get("/v1/rounds?limit=5"))
	require.Len(t, rounds.Rounds, 1)

	status = decode[pot.Status](t, h.get("/v1/pot"))
	require.Equal(t, pot.StateInactive, status.Pot.State)
	require.Empty(t, status.Pot.Deposits)
}

func TestSignatureChecks(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.funded(pot.LamportsPerSOL)

	req := httptest.NewRequest(http.MethodPost, "/v1/pot/initialize", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	requireCode(t, rec, http.StatusUnauthorized, "Unauthorized")

	// Signed by one key, claimed by another.
	req = httptest.NewRequest(http.MethodPost, "/v1/pot/initialize", nil)
	require.NoError(t, wallet.SignRequest(req, admin, nil, h.clock.Now(), "k1"))
	req.Header.Set(wallet.HeaderSigner, solana.NewWallet().PublicKey().String())
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	requireCode(t, rec, http.StatusUnauthorized, "Unauthorized")

	// Stale timestamp.
	req = httptest.NewRequest(http.MethodPost, "/v1/pot/initialize", nil)
	require.NoError(t, wallet.SignRequest(req, admin, nil, h.clock.Now().Add(-2*time.Minute), "k2"))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	requireCode(t, rec, http.StatusUnauthorized, "Unauthorized")

	// Body tampered after signing.
	body := []byte(`{"lamports":50000000}`)
	req = httptest.NewRequest(http.MethodPost, "/v1/deposits", bytes.NewReader([]byte(`{"lamports":60000000}`)))
	require.NoError(t, wallet.SignRequest(req, admin, body, h.clock.Now(), "k3"))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	requireCode(t, rec, http.StatusUnauthorized, "Unauthorized")
}

func TestIdempotencyKeys(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.funded(pot.LamportsPerSOL)

	rec := h.post(admin, "/v1/pot/initialize", nil, "init-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = h.post(admin, "/v1/pot/initialize", nil, "init-1")
	requireCode(t, rec, http.StatusConflict, "DuplicateRequest")

	// A rejected operation keeps its key free, but only a re-signed
	// request can use it.
	rec = h.post(admin, "/v1/rounds/start", nil, "start-1")
	requireCode(t, rec, http.StatusConflict, "CooldownActive")
	h.clock.Advance(pot.DefaultCooldownDuration)
	rec = h.post(admin, "/v1/rounds/start", nil, "start-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestReplayAcrossServersSharingStore(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	player := h.funded(pot.LamportsPerSOL)
	other := New(config.APIConfig{SignatureMaxSkew: time.Minute}, nil, h.engine, h.clock).Handler()

	deposit := h.signed(player, "/v1/deposits", DepositRequest{Lamports: pot.DefaultMinDeposit}, "dep-1")
	rec := serve(h.handler, deposit())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	requireCode(t, serve(other, deposit()), http.StatusConflict, "DuplicateRequest")

	// Re-signing does not reopen a key that already succeeded.
	h.clock.Advance(time.Second)
	resigned := h.signed(player, "/v1/deposits", DepositRequest{Lamports: pot.DefaultMinDeposit}, "dep-1")
	requireCode(t, serve(other, resigned()), http.StatusConflict, "DuplicateRequest")

	status := decode[pot.Status](t, h.get("/v1/pot"))
	require.Len(t, status.Pot.Deposits, 1)
	balance, err := h.engine.Balance(t.Context(), player.PublicKey())
	require.NoError(t, err)
	require.Equal(t, pot.LamportsPerSOL-pot.DefaultMinDeposit, balance)
}

func TestRejectedRequestCannotBeReplayed(t *testing.T) {
	h := newHarness(t, nil)
	h.openRound()
	player := h.funded(pot.DefaultMinDeposit - 1)

	deposit := h.signed(player, "/v1/deposits", DepositRequest{Lamports: pot.DefaultMinDeposit}, "dep-1")
	requireCode(t, serve(h.handler, deposit()), http.StatusBadRequest, "InsufficientBalance")

	require.NoError(t, h.store.Airdrop(t.Context(), player.PublicKey(), pot.LamportsPerSOL))
	requireCode(t, serve(h.handler, deposit()), http.StatusConflict, "DuplicateRequest")
	status := decode[pot.Status](t, h.get("/v1/pot"))
	require.Empty(t, status.Pot.Deposits)

	// The owner retries by signing again under the same key.
	h.clock.Advance(time.Second)
	rec := h.post(player, "/v1/deposits", DepositRequest{Lamports: pot.DefaultMinDeposit}, "dep-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAdminWithdrawDuringActive(t *testing.T) {
	h := newHarness(t, nil)
	admin := h.funded(pot.LamportsPerSOL)
	require.Equal(t, http.StatusCreated, h.post(admin, "/v1/pot/initialize", nil, "").Code)
	h.clock.Advance(pot.DefaultCooldownDuration)
	require.Equal(t, http.StatusOK, h.post(admin, "/v1/rounds/start", nil, "").Code)

	rec := h.post(admin, "/v1/admin/withdraw", nil, "")
	requireCode(t, rec, http.StatusConflict, "CannotWithdrawDuringActive")
}

func TestAirdrop(t *testing.T) {
	h := newHarness(t, nil)
	caller := h.funded(1)
	target := solana.NewWallet().PublicKey()

	rec := h.post(caller, "/v1/dev/airdrop", AirdropRequest{Address: target, Lamports: 5_000}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode[BalanceResponse](t, rec)
	require.Equal(t, target, out.Address)
	require.Equal(t, uint64(5_000), out.Lamports)

	rec = h.post(caller, "/v1/dev/airdrop", AirdropRequest{Lamports: 0}, "")
	requireCode(t, rec, http.StatusBadRequest, "InvalidAmount")

	off := newHarness(t, func(cfg *config.APIConfig) { cfg.DevFaucet = false })
	rec = off.post(caller, "/v1/dev/airdrop", AirdropRequest{Lamports: 1}, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *config.APIConfig) { cfg.RateLimitPerMinute = 6 })
	var limited *httptest.ResponseRecorder
	for i := 0; i < 10; i++ {
		rec := h.get("/v1/rounds")
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.NotNil(t, limited)
	retry, err := strconv.Atoi(limited.Header().Get("Retry-After"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, retry, 1)

	// Health checks are not limited.
	require.Equal(t, http.StatusOK, h.get("/healthz").Code)
}

func TestBalanceBadAddress(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.get("/v1/accounts/not-a-key/balance")
	requireCode(t, rec, http.StatusBadRequest, "BadRequest")
}
