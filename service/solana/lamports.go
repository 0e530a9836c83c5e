package solana

import (
	"fmt"
	"math"
	"strconv"

	"github.com/gagliardetto/solana-go"
)

// BalanceDecimals is the number of decimal places used when displaying balances.
const BalanceDecimals = 4

// ToLamports converts a whole-SOL amount to lamports, truncating toward zero.
func ToLamports(sol float64) (uint64, error) {
	if math.IsNaN(sol) || math.IsInf(sol, 0) || sol < 0 {
		return 0, fmt.Errorf("invalid amount %v", sol)
	}
	lamports := math.Trunc(sol * float64(solana.LAMPORTS_PER_SOL))
	if lamports >= math.MaxUint64 {
		return 0, fmt.Errorf("amount %v overflows lamports", sol)
	}
	return uint64(lamports), nil
}

// ToSOL converts lamports to whole SOL.
func ToSOL(lamports uint64) float64 {
	return float64(lamports) / float64(solana.LAMPORTS_PER_SOL)
}

// FormatSOL renders lamports as SOL with BalanceDecimals places, e.g. 50000000 -> "0.0500".
func FormatSOL(lamports uint64) string {
	return strconv.FormatFloat(ToSOL(lamports), 'f', BalanceDecimals, 64)
}

// FormatAmount renders a SOL amount with as few digits as needed, e.g. 0.01 -> "0.01".
func FormatAmount(sol float64) string {
	return strconv.FormatFloat(sol, 'f', -1, 64)
}
