package api

import "github.com/gagliardetto/solana-go"

// Request and response bodies shared with internal/client.

type DepositRequest struct {
	Lamports uint64 `json:"lamports"`
}

type AirdropRequest struct {
	Address  solana.PublicKey `json:"address"`
	Lamports uint64           `json:"lamports"`
}

type BalanceResponse struct {
	Address  solana.PublicKey `json:"address"`
	Lamports uint64           `json:"lamports"`
}

type WithdrawResponse struct {
	Withdrawn uint64 `json:"withdrawn"`
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
