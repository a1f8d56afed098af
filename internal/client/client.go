// Package client talks to the jackpot API, signing every mutating request
// with the caller's wallet key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"jackpot/internal/api"
	"jackpot/internal/pot"
	"jackpot/internal/wallet"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Key     solana.PrivateKey
	Clock   clockwork.Clock
}

func New(baseURL string, key solana.PrivateKey) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
		Key:   key,
		Clock: clockwork.NewRealClock(),
	}
}

// APIError is a non-2xx response. Code is the pot error code when the
// server sent one.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api status %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// ErrorCode extracts the pot error code from err, or "" when err did not
// come from the API.
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func (c *Client) Status(ctx context.Context) (pot.Status, error) {
	var out pot.Status
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/pot", nil, &out, "")
	return out, err
}

func (c *Client) Rounds(ctx context.Context, limit int) ([]pot.RoundSummary, error) {
	var out struct {
		Rounds []pot.RoundSummary `json:"rounds"`
	}
	path := "/v1/rounds"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out, "")
	return out.Rounds, err
}

func (c *Client) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	var out api.BalanceResponse
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/accounts/"+account.String()+"/balance", nil, &out, "")
	return out.Lamports, err
}

func (c *Client) Initialize(ctx context.Context) (pot.Pot, error) {
	var out pot.Pot
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/pot/initialize", nil, &out, "")
	return out, err
}

func (c *Client) StartRound(ctx context.Context) (pot.Pot, error) {
	var out pot.Pot
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rounds/start", nil, &out, "")
	return out, err
}

func (c *Client) Deposit(ctx context.Context, lamports uint64, idem string) (pot.DepositRecord, error) {
	var out pot.DepositRecord
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/deposits", api.DepositRequest{Lamports: lamports}, &out, idem)
	return out, err
}

func (c *Client) EndRound(ctx context.Context) (pot.Pot, error) {
	var out pot.Pot
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rounds/end", nil, &out, "")
	return out, err
}

func (c *Client) ResetIfNoWinner(ctx context.Context) (pot.RoundSummary, error) {
	var out pot.RoundSummary
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rounds/reset", nil, &out, "")
	return out, err
}

func (c *Client) DistributeRewards(ctx context.Context, in pot.DistributeInput) (pot.RoundSummary, error) {
	var out pot.RoundSummary
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/rounds/distribute", in, &out, "")
	return out, err
}

func (c *Client) AdminWithdraw(ctx context.Context) (uint64, error) {
	var out api.WithdrawResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/withdraw", nil, &out, "")
	return out.Withdrawn, err
}

func (c *Client) Airdrop(ctx context.Context, account solana.PublicKey, lamports uint64) (uint64, error) {
	var out api.BalanceResponse
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/dev/airdrop", api.AirdropRequest{Address: account, Lamports: lamports}, &out, "")
	return out.Lamports, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any, idem string) error {
	var raw []byte
	if in != nil {
		var err error
		raw, err = json.Marshal(in)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		if c.Key == nil {
			return errors.New("a wallet keypair is required for this request")
		}
		clock := c.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}
		if err := wallet.SignRequest(req, c.Key, raw, clock.Now(), idem); err != nil {
			return err
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Code = parsed.Code
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
