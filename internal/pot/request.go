package pot

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// IdempotencyWindow is how long a completed request's idempotency key stays
// claimed.
const IdempotencyWindow = 24 * time.Hour

const (
	signatureKeyPrefix = "sig:"
	requestKeyPrefix   = "idem:"
)

// SignedRequest identifies the authenticated client request an operation
// runs on behalf of.
type SignedRequest struct {
	Signer         solana.PublicKey
	IdempotencyKey string
	Signature      solana.Signature
	// SignatureExpiresAt is the unix second from which the signature no
	// longer passes the freshness check.
	SignatureExpiresAt int64
}

type signedRequestKey struct{}

// WithSignedRequest makes the next engine operation run under r: its
// signature is burned and its idempotency key claimed in the store.
func WithSignedRequest(ctx context.Context, r SignedRequest) context.Context {
	return context.WithValue(ctx, signedRequestKey{}, r)
}

func SignedRequestFrom(ctx context.Context) (SignedRequest, bool) {
	r, ok := ctx.Value(signedRequestKey{}).(SignedRequest)
	return r, ok && !r.Signer.IsZero()
}
