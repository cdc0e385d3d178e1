// Package emulator provides a software card and the relay and gateway servers
// around it, for local testing without hardware.
package emulator

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/status-im/tapsign-go/types"
)

const (
	DefaultPassword = "123456"
	DefaultAttempts = 5
)

// Card answers the named card commands the way a real card does.
type Card struct {
	mu        sync.Mutex
	keys      map[int]*ecdsa.PrivateKey
	attested  map[int]bool
	password  string
	attempts  int
	latches   map[int]string
	graffiti  string
	derOnly   bool
	highS     bool
	failBatch bool
	corrupt   map[int]string
	delay     time.Duration
	calls     []types.Command
}

func NewCard(password string) *Card {
	return &Card{
		keys:     map[int]*ecdsa.PrivateKey{},
		attested: map[int]bool{},
		password: password,
		attempts: DefaultAttempts,
		latches:  map[int]string{},
		corrupt:  map[int]string{},
	}
}

// GenerateKey creates a fresh key in slot.
func (c *Card) GenerateKey(slot int, attested bool) (*ecdsa.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	c.SetKey(slot, key, attested)
	return key, nil
}

func (c *Card) SetKey(slot int, key *ecdsa.PrivateKey, attested bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[slot] = key
	c.attested[slot] = attested
}

func (c *Card) SetLatch(n int, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latches[n] = value
}

func (c *Card) SetGraffiti(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graffiti = value
}

// FailBatched makes multi-field get_data_struct requests fail.
func (c *Card) FailBatched(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBatch = fail
}

// CorruptKey makes the batched read report value as the compressed key of slot.
func (c *Card) CorruptKey(slot int, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corrupt[slot] = value
}

// DEROnly makes sign return a DER signature and the public key instead of r/s/v.
func (c *Card) DEROnly(der bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.derOnly = der
}

// HighS makes sign return the negated s value, as cards that do not
// canonicalize signatures do.
func (c *Card) HighS(high bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.highS = high
}

// SetDelay slows every command down by d.
func (c *Card) SetDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delay = d
}

// Calls returns the commands received so far.
func (c *Card) Calls() []types.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Command(nil), c.calls...)
}

func (c *Card) AttemptsLeft() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Execute runs cmd and returns either the result or the card error.
func (c *Card) Execute(cmd *types.Command) (interface{}, *types.CommandError) {
	c.mu.Lock()
	c.calls = append(c.calls, *cmd)
	delay := c.delay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.Name {
	case types.CommandGetDataStruct:
		return c.getDataStruct(cmd.Spec)
	case types.CommandGetKeyInfo:
		return c.getKeyInfo(cmd.KeyNo)
	case types.CommandSign:
		return c.sign(cmd)
	default:
		return nil, cardError(types.ErrorUnknownCommand, cmd.Name)
	}
}

func (c *Card) getDataStruct(spec string) (interface{}, *types.CommandError) {
	fields := strings.Split(spec, ",")
	if c.failBatch && len(fields) > 1 {
		return nil, cardError(types.ErrorUnknownCommand, "batched read not supported")
	}

	resp := types.DataStructResponse{Data: map[string]*string{}}
	for _, field := range fields {
		var name string
		var n int
		if _, err := fmt.Sscanf(strings.Replace(field, ":", " ", 1), "%s %d", &name, &n); err != nil {
			return nil, cardError(types.ErrorInvalidKeyNo, field)
		}

		v, ok := c.field(name, n)
		if !ok {
			resp.IsPartial = true
			resp.Data[field] = nil
			continue
		}
		resp.Data[field] = &v
	}

	return resp, nil
}

func (c *Card) field(name string, n int) (string, bool) {
	switch name {
	case "compressedPublicKey":
		if v, ok := c.corrupt[n]; ok {
			return v, true
		}
		key, ok := c.keys[n]
		if !ok {
			return "", false
		}
		return hex.EncodeToString(crypto.CompressPubkey(&key.PublicKey)), true
	case "publicKeyAttest":
		key, ok := c.keys[n]
		if !ok || !c.attested[n] {
			return "", false
		}
		return attestation(key), true
	case "latchValue":
		v, ok := c.latches[n]
		return v, ok
	case "graffiti":
		return c.graffiti, c.graffiti != ""
	default:
		return "", false
	}
}

func (c *Card) getKeyInfo(slot int) (interface{}, *types.CommandError) {
	key, ok := c.keys[slot]
	if !ok {
		return nil, cardError(types.ErrorKeyNotInitialized, fmt.Sprintf("key %d not initialized", slot))
	}

	return types.KeyInfoResponse{
		PublicKey: hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey)),
	}, nil
}

func (c *Card) sign(cmd *types.Command) (interface{}, *types.CommandError) {
	key, ok := c.keys[cmd.KeyNo]
	if !ok {
		return nil, cardError(types.ErrorKeyNotInitialized, fmt.Sprintf("key %d not initialized", cmd.KeyNo))
	}

	digest, err := hex.DecodeString(cmd.Digest)
	if err != nil || len(digest) != 32 {
		return nil, cardError(types.ErrorInvalidDigest, "digest must be 32 bytes")
	}

	if c.password != "" {
		if c.attempts <= 0 {
			return nil, cardError(types.ErrorPasswordLocked, "password locked")
		}
		if cmd.Password != c.password {
			c.attempts--
			return nil, cardError(types.ErrorWrongPassword, fmt.Sprintf("remaining attempts: %d", c.attempts))
		}
		c.attempts = DefaultAttempts
	}

	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, cardError(types.ErrorInvalidDigest, err.Error())
	}

	if c.highS {
		n := crypto.S256().Params().N
		s := new(big.Int).Sub(n, new(big.Int).SetBytes(sig[32:64]))
		copy(sig[32:64], common.LeftPadBytes(s.Bytes(), 32))
		sig[64] ^= 1
	}

	var resp types.SignResponse
	if c.derOnly {
		der, err := asn1.Marshal(struct{ R, S *big.Int }{
			new(big.Int).SetBytes(sig[:32]),
			new(big.Int).SetBytes(sig[32:64]),
		})
		if err != nil {
			return nil, cardError(types.ErrorInvalidDigest, err.Error())
		}
		resp.Signature.Der = hex.EncodeToString(der)
		resp.PublicKey = hex.EncodeToString(crypto.FromECDSAPub(&key.PublicKey))
		return resp, nil
	}

	v := int(sig[64]) + 27
	resp.Signature.Raw = &types.RawSignature{
		R: hex.EncodeToString(sig[:32]),
		S: hex.EncodeToString(sig[32:64]),
		V: &v,
	}
	return resp, nil
}

// attestation stands in for the manufacturer attestation of a key.
func attestation(key *ecdsa.PrivateKey) string {
	sum := sha256.Sum256(crypto.FromECDSAPub(&key.PublicKey))
	return hex.EncodeToString(sum[:])
}

func cardError(name, message string) *types.CommandError {
	return &types.CommandError{Kind: types.ErrorKindCard, Name: name, Message: message}
}
