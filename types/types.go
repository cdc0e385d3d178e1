package types

import "context"

// Channel is an interface with an Execute method to send card commands and receive card responses.
type Channel interface {
	Execute(ctx context.Context, cmd *Command) (*Response, error)
}

// Session is a Channel bound to one transport connection attempt.
type Session interface {
	Channel
	Kind() TransportKind
	State() SessionState
	Handle() string
	Connect(ctx context.Context) error
	Disconnect() error
	Events() <-chan PresenceEvent
}

type TransportKind int

const (
	TransportRelay TransportKind = iota
	TransportCloudPairing
	TransportDirect
)

func (k TransportKind) String() string {
	switch k {
	case TransportRelay:
		return "relay"
	case TransportCloudPairing:
		return "cloud_pairing"
	case TransportDirect:
		return "direct"
	default:
		return "unknown"
	}
}

type PresenceKind int

const (
	CardAdded PresenceKind = iota
	CardRemoved
	TransportLost
)

func (k PresenceKind) String() string {
	switch k {
	case CardAdded:
		return "card_added"
	case CardRemoved:
		return "card_removed"
	case TransportLost:
		return "transport_lost"
	default:
		return "unknown"
	}
}

type PresenceEvent struct {
	Kind   PresenceKind
	Handle string
}

// PairingInfo is what a user needs to join a cloud pairing session from a phone.
type PairingInfo struct {
	URL       string
	SessionID string
	// QRCode is a PNG rendering of URL.
	QRCode []byte
}

type ConsentStatus int

const (
	ConsentNotRequired ConsentStatus = iota
	ConsentPending
	ConsentGranted
	ConsentDenied
)

func (s ConsentStatus) String() string {
	switch s {
	case ConsentNotRequired:
		return "not_required"
	case ConsentPending:
		return "pending"
	case ConsentGranted:
		return "granted"
	case ConsentDenied:
		return "denied"
	default:
		return "unknown"
	}
}

type ConsentRequest struct {
	ConsentURL string
	Status     ConsentStatus
}
