package types

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// KeySlot is a usable key found on the card during one scan.
type KeySlot struct {
	SlotNumber int            `json:"keySlot"`
	Address    common.Address `json:"address"`
	// PublicKey is the uncompressed public key, hex encoded without prefix.
	PublicKey      string `json:"publicKey"`
	HasAttestation bool   `json:"hasAttestation"`
}

func NewKeySlot(slot int, pubKey *ecdsa.PublicKey, hasAttestation bool) KeySlot {
	return KeySlot{
		SlotNumber:     slot,
		Address:        ethcrypto.PubkeyToAddress(*pubKey),
		PublicKey:      hex.EncodeToString(ethcrypto.FromECDSAPub(pubKey)),
		HasAttestation: hasAttestation,
	}
}

// ParsePublicKey accepts a compressed (33 bytes) or uncompressed (65 bytes) hex
// encoded public key, with or without 0x prefix.
func ParsePublicKey(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, err
	}

	switch len(raw) {
	case 33:
		return ethcrypto.DecompressPubkey(raw)
	case 65:
		return ethcrypto.UnmarshalPubkey(raw)
	default:
		return nil, fmt.Errorf("invalid public key length %d", len(raw))
	}
}

func (s KeySlot) String() string {
	return fmt.Sprintf("slot %d (%s)", s.SlotNumber, s.Address.Hex())
}
