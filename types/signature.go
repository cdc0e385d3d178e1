package types

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/status-im/tapsign-go/apdu"
)

var (
	TagSequence = uint8(0x30)
	TagInteger  = uint8(0x02)
)

var ErrInvalidSignature = errors.New("invalid signature")

type Signature struct {
	pubKey []byte
	r      []byte
	s      []byte
	v      byte
}

// ParseSignResponse rebuilds the recoverable signature from a sign response. The raw
// r/s/v triple is preferred; DER plus the reported public key is used otherwise.
func ParseSignResponse(digest []byte, resp *SignResponse) (*Signature, error) {
	var r, s []byte
	var err error

	raw := resp.Signature.Raw
	switch {
	case raw != nil && raw.R != "" && raw.S != "":
		if r, err = decodeScalar(raw.R); err != nil {
			return nil, err
		}
		if s, err = decodeScalar(raw.S); err != nil {
			return nil, err
		}
	case resp.Signature.Der != "":
		der, err := hex.DecodeString(strings.TrimPrefix(resp.Signature.Der, "0x"))
		if err != nil {
			return nil, err
		}
		if r, s, err = DERSignatureToRS(der); err != nil {
			return nil, err
		}
		r = common.LeftPadBytes(r, 32)
		s = common.LeftPadBytes(s, 32)
	default:
		return nil, ErrInvalidSignature
	}

	s, flipped := lowS(s)

	if raw != nil && raw.V != nil {
		v := *raw.V
		if v >= 27 {
			v -= 27
		}
		if v < 0 || v > 3 {
			return nil, fmt.Errorf("invalid recovery id %d", *raw.V)
		}
		if flipped {
			v ^= 1
		}
		return ParseRecoverableSignature(digest, append(append(r, s...), byte(v)))
	}

	if resp.PublicKey == "" {
		return nil, fmt.Errorf("%w: no recovery id and no public key", ErrInvalidSignature)
	}

	pubKey, err := hex.DecodeString(strings.TrimPrefix(resp.PublicKey, "0x"))
	if err != nil {
		return nil, err
	}

	v, err := calculateV(digest, pubKey, r, s)
	if err != nil {
		return nil, err
	}

	return ParseRecoverableSignature(digest, append(append(r, s...), v))
}

func ParseRecoverableSignature(message, sig []byte) (*Signature, error) {
	if len(sig) != 65 {
		return nil, ErrInvalidSignature
	}

	pubKey, err := crypto.Ecrecover(message, sig)
	if err != nil {
		return nil, err
	}

	return &Signature{
		pubKey: pubKey,
		r:      sig[0:32],
		s:      sig[32:64],
		v:      sig[64],
	}, nil
}

func DERSignatureToRS(tlv []byte) ([]byte, []byte, error) {
	r, err := apdu.FindTagN(tlv, 0, TagSequence, TagInteger)
	if err != nil {
		return nil, nil, err
	}

	if len(r) > 32 {
		r = r[len(r)-32:]
	}

	s, err := apdu.FindTagN(tlv, 1, TagSequence, TagInteger)
	if err != nil {
		return nil, nil, err
	}

	if len(s) > 32 {
		s = s[len(s)-32:]
	}

	return r, s, nil
}

func (s *Signature) PubKey() []byte {
	return s.pubKey
}

func (s *Signature) R() []byte {
	return s.r
}

func (s *Signature) S() []byte {
	return s.s
}

func (s *Signature) V() byte {
	return s.v
}

// Bytes returns R || S || V with V in {0, 1}, the layout go-ethereum expects.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.r...)
	out = append(out, s.s...)
	return append(out, s.v)
}

// Address is the account that produced the signature.
func (s *Signature) Address() (common.Address, error) {
	pubKey, err := crypto.UnmarshalPubkey(s.pubKey)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// lowS returns s in the lower half of the curve order, as Ethereum requires.
// flipped reports that s was negated, which inverts the recovery id.
func lowS(s []byte) ([]byte, bool) {
	n := crypto.S256().Params().N
	v := new(big.Int).SetBytes(s)
	if v.Cmp(new(big.Int).Rsh(n, 1)) <= 0 {
		return s, false
	}
	return common.LeftPadBytes(v.Sub(n, v).Bytes(), 32), true
}

func decodeScalar(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) > 32 {
		return nil, fmt.Errorf("%w: scalar is %d bytes", ErrInvalidSignature, len(b))
	}
	return common.LeftPadBytes(b, 32), nil
}

func calculateV(message, pubKey, r, s []byte) (byte, error) {
	rs := append(append([]byte{}, r...), s...)
	for i := 0; i < 2; i++ {
		v := byte(i)
		rec, err := crypto.Ecrecover(message, append(rs, v))
		if err != nil {
			continue
		}

		if len(pubKey) == 33 {
			rec = compressPublicKey(rec)
		}

		if bytes.Equal(pubKey, rec) {
			return v, nil
		}
	}

	return 0, fmt.Errorf("%w: no recovery id matches the public key", ErrInvalidSignature)
}

func compressPublicKey(pubKey []byte) []byte {
	if len(pubKey) == 33 {
		return pubKey
	}

	out := make([]byte, 33)
	copy(out[1:], pubKey[1:33])
	if (pubKey[64] & 1) == 1 {
		out[0] = 3
	} else {
		out[0] = 2
	}

	return out
}
