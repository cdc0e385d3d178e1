package types

import (
	"encoding/asn1"
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hexMustDecode(str string) []byte {
	out, _ := hex.DecodeString(str)
	return out
}

func TestDERSignatureToRS(t *testing.T) {
	der := hexMustDecode("30450220364c5ca937b7ca42861978f086d206cc569ef0bb2ea4c7de08929c2fcca7434d022100c87699ce4f977e6a7a4800343db9b6842b91ca873e56dfe3327d19a2d01af14e")

	r, s, err := DERSignatureToRS(der)
	require.NoError(t, err)
	assert.Equal(t, hexMustDecode("364c5ca937b7ca42861978f086d206cc569ef0bb2ea4c7de08929c2fcca7434d"), r)
	assert.Equal(t, hexMustDecode("c87699ce4f977e6a7a4800343db9b6842b91ca873e56dfe3327d19a2d01af14e"), s)
}

func signDigest(t *testing.T) ([]byte, []byte, []byte) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	digest := crypto.Keccak256([]byte("tapsign"))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	return digest, sig, crypto.FromECDSAPub(&key.PublicKey)
}

func TestParseSignResponseRaw(t *testing.T) {
	digest, sig, pubKey := signDigest(t)

	v := int(sig[64]) + 27
	resp := &SignResponse{}
	resp.Signature.Raw = &RawSignature{
		R: "0x" + hex.EncodeToString(sig[:32]),
		S: hex.EncodeToString(sig[32:64]),
		V: &v,
	}

	parsed, err := ParseSignResponse(digest, resp)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed.Bytes())
	assert.Equal(t, pubKey, parsed.PubKey())
	assert.Equal(t, sig[64], parsed.V())
}

func TestParseSignResponseDER(t *testing.T) {
	digest, sig, pubKey := signDigest(t)

	der, err := asn1.Marshal(struct{ R, S *big.Int }{
		new(big.Int).SetBytes(sig[:32]),
		new(big.Int).SetBytes(sig[32:64]),
	})
	require.NoError(t, err)

	for _, key := range [][]byte{pubKey, compressPublicKey(pubKey)} {
		resp := &SignResponse{PublicKey: hex.EncodeToString(key)}
		resp.Signature.Der = hex.EncodeToString(der)

		parsed, err := ParseSignResponse(digest, resp)
		require.NoError(t, err)
		assert.Equal(t, sig, parsed.Bytes())

		addr, err := parsed.Address()
		require.NoError(t, err)
		expected, err := crypto.UnmarshalPubkey(pubKey)
		require.NoError(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(*expected), addr)
	}
}

func TestParseSignResponseErrors(t *testing.T) {
	digest, sig, _ := signDigest(t)

	_, err := ParseSignResponse(digest, &SignResponse{})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	resp := &SignResponse{}
	resp.Signature.Raw = &RawSignature{R: hex.EncodeToString(sig[:32]), S: hex.EncodeToString(sig[32:64])}
	_, err = ParseSignResponse(digest, resp)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	bad := 31
	resp.Signature.Raw.V = &bad
	_, err = ParseSignResponse(digest, resp)
	assert.Error(t, err)

	_, err = ParseRecoverableSignature(digest, sig[:64])
	assert.Equal(t, ErrInvalidSignature, err)
}

func TestParseSignResponseHighS(t *testing.T) {
	digest, sig, pubKey := signDigest(t)

	n := crypto.S256().Params().N
	highS := new(big.Int).Sub(n, new(big.Int).SetBytes(sig[32:64]))
	v := int(sig[64]^1) + 27

	resp := &SignResponse{}
	resp.Signature.Raw = &RawSignature{
		R: hex.EncodeToString(sig[:32]),
		S: hex.EncodeToString(highS.Bytes()),
		V: &v,
	}

	parsed, err := ParseSignResponse(digest, resp)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed.Bytes())
	assert.Equal(t, pubKey, parsed.PubKey())

	der, err := asn1.Marshal(struct{ R, S *big.Int }{new(big.Int).SetBytes(sig[:32]), highS})
	require.NoError(t, err)

	resp = &SignResponse{PublicKey: hex.EncodeToString(pubKey)}
	resp.Signature.Der = hex.EncodeToString(der)

	parsed, err = ParseSignResponse(digest, resp)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed.Bytes())
}
