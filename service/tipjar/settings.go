package tipjar

import (
	"fmt"
	"time"

	"github.com/brojonat/tipjar/service/config"
	"github.com/brojonat/tipjar/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
)

// Settings is the immutable widget configuration shared by every session.
type Settings struct {
	Recipient       solanago.PublicKey
	Presets         []config.Preset
	Cluster         string
	ExplorerBaseURL string
	FeeMode         wallet.FeeMode
	PollInterval    time.Duration
}

// NewSettings derives widget settings from the service configuration.
func NewSettings(cfg *config.Config) (Settings, error) {
	recipient, err := solanago.PublicKeyFromBase58(cfg.RecipientAddress)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid recipient address: %w", err)
	}
	if len(cfg.Presets) == 0 {
		return Settings{}, fmt.Errorf("no presets configured")
	}

	presets := make([]config.Preset, len(cfg.Presets))
	copy(presets, cfg.Presets)

	return Settings{
		Recipient:       recipient,
		Presets:         presets,
		Cluster:         cfg.SolanaCluster,
		ExplorerBaseURL: cfg.ExplorerBaseURL,
		FeeMode:         wallet.FeeMode(cfg.FeeMode),
		PollInterval:    cfg.BalancePollInterval,
	}, nil
}

// DefaultAmount is the first configured preset.
func (s Settings) DefaultAmount() float64 {
	return s.Presets[0].Amount
}

// IsPreset reports whether amount is one of the configured presets.
func (s Settings) IsPreset(amount float64) bool {
	for _, p := range s.Presets {
		if p.Amount == amount {
			return true
		}
	}
	return false
}
