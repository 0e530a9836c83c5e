package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// NewTransferInstruction builds a native SOL transfer from the connected wallet
// to the recipient. Signing and fee payment are left to the wallet provider.
func NewTransferInstruction(from, to solana.PublicKey, lamports uint64) (solana.Instruction, error) {
	if lamports == 0 {
		return nil, fmt.Errorf("transfer amount must be greater than zero")
	}
	if from.Equals(to) {
		return nil, fmt.Errorf("sender and recipient must differ")
	}

	ix, err := system.NewTransferInstruction(lamports, from, to).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer instruction: %w", err)
	}
	return ix, nil
}
