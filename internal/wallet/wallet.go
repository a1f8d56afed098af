// Package wallet loads Solana keygen keypairs and signs API requests with
// them.
package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

const (
	HeaderSigner         = "X-Jackpot-Signer"
	HeaderTimestamp      = "X-Jackpot-Timestamp"
	HeaderSignature      = "X-Jackpot-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// DefaultKeypairPath is where the solana CLI keeps its default keypair.
func DefaultKeypairPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "solana", "id.json")
	}
	return filepath.Join(home, ".config", "solana", "id.json")
}

func Load(path string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return key, nil
}

// Save writes key in the solana keygen JSON format. It refuses to replace an
// existing file unless overwrite is set.
func Save(path string, key solana.PrivateKey, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keypair %s already exists", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	body, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

// Generate creates a new keypair at path.
func Generate(path string, overwrite bool) (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := Save(path, key, overwrite); err != nil {
		return nil, err
	}
	return key, nil
}

// Message is the byte string a request signature covers.
func Message(method, path, timestamp, idempotencyKey string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		idempotencyKey,
		hex.EncodeToString(sum[:]),
	}, "\n"))
}

// SignRequest sets the signer, timestamp, idempotency and signature headers
// on req. body must be the exact request body. An empty idempotencyKey gets a
// fresh random one.
func SignRequest(req *http.Request, key solana.PrivateKey, body []byte, now time.Time, idempotencyKey string) error {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	sig, err := key.Sign(Message(req.Method, req.URL.Path, ts, idempotencyKey, body))
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	req.Header.Set(HeaderSigner, key.PublicKey().String())
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	req.Header.Set(HeaderSignature, sig.String())
	return nil
}

// Verify checks a base58 signature by signer over the request fields.
func Verify(signer solana.PublicKey, signature, method, path, timestamp, idempotencyKey string, body []byte) error {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !sig.Verify(signer, Message(method, path, timestamp, idempotencyKey, body)) {
		return errors.New("signature does not match signer")
	}
	return nil
}
