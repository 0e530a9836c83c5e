package tipjar

import (
	"github.com/brojonat/tipjar/service/solana"
)

// Status is the lifecycle of one payment attempt.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConfirming Status = "confirming"
	StatusSending    Status = "sending"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// InFlight reports whether a sign-and-send call belongs to this status.
func (s Status) InFlight() bool {
	return s == StatusConfirming || s == StatusSending
}

// Button labels.
const (
	LabelConnect    = "Connect with Passkey"
	LabelConnecting = "Connecting..."
	LabelLoading    = "Loading..."
	LabelConfirming = "Confirm with Passkey..."
	LabelSending    = "Sending..."
	LabelSuccess    = "Sent! Thank you"
	LabelRetry      = "Try Again"
)

type DisplayInput struct {
	Status          Status
	Connecting      bool
	ProviderLoading bool
	Connected       bool
	SelectedAmount  float64
}

type Display struct {
	Label string `json:"label"`
	Busy  bool   `json:"busy"`
}

// ComputeDisplay derives the button label and busy flag. Busy disables the
// action button.
func ComputeDisplay(in DisplayInput) Display {
	busy := in.Connecting || in.ProviderLoading || in.Status.InFlight()

	var label string
	switch {
	case in.Status == StatusConfirming:
		label = LabelConfirming
	case in.Status == StatusSending:
		label = LabelSending
	case in.Connecting:
		label = LabelConnecting
	case in.ProviderLoading:
		label = LabelLoading
	case !in.Connected:
		label = LabelConnect
	case in.Status == StatusSuccess:
		label = LabelSuccess
	case in.Status == StatusError:
		label = LabelRetry
	default:
		label = TipLabel(in.SelectedAmount)
	}

	return Display{Label: label, Busy: busy}
}

// TipLabel renders the idle label for amount, e.g. "Tip 0.01 SOL".
func TipLabel(amount float64) string {
	return "Tip " + solana.FormatAmount(amount) + " SOL"
}
