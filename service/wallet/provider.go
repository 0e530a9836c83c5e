package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// FeeMode selects who pays network fees for a transaction.
type FeeMode string

const (
	FeeModePaymaster FeeMode = "paymaster"
	FeeModeUser      FeeMode = "user"
)

// State is the provider's observable session state.
// Address is empty unless Connected is true.
type State struct {
	Connected bool   `json:"connected"`
	Loading   bool   `json:"loading"`
	Address   string `json:"address"`
}

type ConnectOptions struct {
	FeeMode FeeMode
}

type TransactionOptions struct {
	// ClusterSimulation is the cluster tag the provider simulates against before submitting.
	ClusterSimulation string
}

// SignAndSendRequest carries the instructions the provider wraps into a
// transaction, signs with the passkey and submits.
type SignAndSendRequest struct {
	Instructions       []solana.Instruction
	TransactionOptions TransactionOptions
}

// Provider is a passkey smart-wallet session. It owns all signing, fee
// sponsorship and submission; callers only observe its state.
type Provider interface {
	// Connect authenticates with a passkey and establishes the wallet session.
	Connect(ctx context.Context, opts ConnectOptions) error

	// Disconnect clears the wallet session.
	Disconnect(ctx context.Context) error

	// SignAndSendTransaction returns the transaction signature once submitted.
	SignAndSendTransaction(ctx context.Context, req SignAndSendRequest) (string, error)

	State() State

	// Subscribe registers fn to receive every state change.
	// The returned function removes the subscription.
	Subscribe(fn func(State)) (unsubscribe func())
}

// ProviderError is a failure reported by the wallet itself, such as a
// rejected passkey prompt or a paymaster refusal.
type ProviderError struct {
	Op         string
	Message    string
	StatusCode int
}

func (e *ProviderError) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

// ErrNotConnected is returned when an operation needs a connected wallet.
var ErrNotConnected = errors.New("wallet not connected")

// Message extracts the human-readable text carried by err. A ProviderError
// yields only its own message; any other error yields its text. It returns
// "" when there is nothing to show.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return strings.TrimSpace(perr.Message)
	}
	return strings.TrimSpace(err.Error())
}
