package tapsign

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/status-im/tapsign-go/types"
)

// Key slots in scan priority order.
const (
	KeySlotWallet    = 9
	KeySlotPreloaded = 8
	KeySlotSystem    = 2
)

const (
	FieldLatchValue          = "latchValue"
	FieldGraffiti            = "graffiti"
	FieldCompressedPublicKey = "compressedPublicKey"
	FieldPublicKeyAttest     = "publicKeyAttest"
)

var DiscoveryPriority = []int{KeySlotWallet, KeySlotPreloaded, KeySlotSystem}

// discoveryFields is read in a single round trip so the user taps only once.
var discoveryFields = []string{
	types.FieldName(FieldLatchValue, 1),
	types.FieldName(FieldLatchValue, 2),
	types.FieldName(FieldGraffiti, 1),
	types.FieldName(FieldCompressedPublicKey, KeySlotWallet),
	types.FieldName(FieldPublicKeyAttest, KeySlotWallet),
	types.FieldName(FieldCompressedPublicKey, KeySlotPreloaded),
	types.FieldName(FieldPublicKeyAttest, KeySlotPreloaded),
	types.FieldName(FieldCompressedPublicKey, KeySlotSystem),
}

func hasAttestation(slot int) bool {
	return slot == KeySlotWallet || slot == KeySlotPreloaded
}

func NewCommandGetDataStruct(fields ...string) *types.Command {
	return &types.Command{
		Name: types.CommandGetDataStruct,
		Spec: strings.Join(fields, ","),
	}
}

func NewCommandGetKeyInfo(slot int) *types.Command {
	return &types.Command{
		Name:  types.CommandGetKeyInfo,
		KeyNo: slot,
	}
}

// NewCommandSign builds a sign command. The password is NFKD normalized so the
// same PIN typed on different keyboards matches.
func NewCommandSign(slot int, digest []byte, password string) *types.Command {
	return &types.Command{
		Name:     types.CommandSign,
		KeyNo:    slot,
		Digest:   hex.EncodeToString(digest),
		Password: norm.NFKD.String(password),
	}
}
