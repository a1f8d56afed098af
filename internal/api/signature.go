package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jackpot/internal/pot"
	"jackpot/internal/wallet"

	"github.com/gagliardetto/solana-go"
)

const (
	maxBodyBytes         = 1 << 20
	maxIdempotencyKeyLen = 128
)

// signatureMiddleware authenticates the request signer from the wallet
// headers and rejects stale requests. Replays are refused by the engine,
// which claims the signature and idempotency key in the store.
func (s *Server) signatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signer, err := solana.PublicKeyFromBase58(strings.TrimSpace(r.Header.Get(wallet.HeaderSigner)))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", fmt.Sprintf("invalid %s header", wallet.HeaderSigner))
			return
		}
		tsHeader := strings.TrimSpace(r.Header.Get(wallet.HeaderTimestamp))
		ts, err := strconv.ParseInt(tsHeader, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", fmt.Sprintf("invalid %s header", wallet.HeaderTimestamp))
			return
		}
		now := s.clock.Now()
		if skew := now.Sub(time.Unix(ts, 0)).Abs(); skew > s.cfg.SignatureMaxSkew {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "request timestamp outside allowed skew")
			return
		}
		idem := strings.TrimSpace(r.Header.Get(wallet.HeaderIdempotencyKey))
		if idem == "" || len(idem) > maxIdempotencyKeyLen {
			writeError(w, http.StatusBadRequest, "BadRequest", "idempotency key is required")
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "BadRequest", "request body too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig, err := solana.SignatureFromBase58(strings.TrimSpace(r.Header.Get(wallet.HeaderSignature)))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", fmt.Sprintf("invalid %s header", wallet.HeaderSignature))
			return
		}
		if err := wallet.Verify(signer, sig.String(), r.Method, r.URL.Path, tsHeader, idem, body); err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
			return
		}

		ctx := pot.WithSignedRequest(r.Context(), pot.SignedRequest{
			Signer:             signer,
			IdempotencyKey:     idem,
			Signature:          sig,
			SignatureExpiresAt: time.Unix(ts, 0).Add(s.cfg.SignatureMaxSkew).Unix() + 1,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func signerFromContext(ctx context.Context) (solana.PublicKey, error) {
	req, ok := pot.SignedRequestFrom(ctx)
	if !ok {
		return solana.PublicKey{}, errors.New("missing signer context")
	}
	return req.Signer, nil
}
