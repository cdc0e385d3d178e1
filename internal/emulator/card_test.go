package emulator

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/status-im/tapsign-go/types"
)

func TestCardGetDataStruct(t *testing.T) {
	card := NewCard(DefaultPassword)
	_, err := card.GenerateKey(9, true)
	require.NoError(t, err)
	card.SetGraffiti("gm")

	out, cardErr := card.Execute(&types.Command{Name: types.CommandGetDataStruct, Spec: "compressedPublicKey:9,publicKeyAttest:9,compressedPublicKey:8,graffiti:1"})
	require.Nil(t, cardErr)

	resp := out.(types.DataStructResponse)
	assert.True(t, resp.IsPartial)

	key, ok := resp.Value("compressedPublicKey:9")
	assert.True(t, ok)
	assert.Len(t, key, 66)

	_, ok = resp.Value("publicKeyAttest:9")
	assert.True(t, ok)
	_, ok = resp.Value("compressedPublicKey:8")
	assert.False(t, ok)
	assert.Contains(t, resp.Data, "compressedPublicKey:8")

	graffiti, _ := resp.Value("graffiti:1")
	assert.Equal(t, "gm", graffiti)

	card.FailBatched(true)
	_, cardErr = card.Execute(&types.Command{Name: types.CommandGetDataStruct, Spec: "compressedPublicKey:9,graffiti:1"})
	require.NotNil(t, cardErr)
	_, cardErr = card.Execute(&types.Command{Name: types.CommandGetDataStruct, Spec: "compressedPublicKey:9"})
	assert.Nil(t, cardErr)

	assert.Len(t, card.Calls(), 3)
}

func TestCardPasswordAttempts(t *testing.T) {
	card := NewCard(DefaultPassword)
	_, err := card.GenerateKey(9, false)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("tx"))
	sign := func(password string) *types.CommandError {
		_, cardErr := card.Execute(&types.Command{
			Name:     types.CommandSign,
			KeyNo:    9,
			Digest:   hex.EncodeToString(digest[:]),
			Password: password,
		})
		return cardErr
	}

	cardErr := sign("nope")
	require.NotNil(t, cardErr)
	assert.Equal(t, types.ErrorWrongPassword, cardErr.Name)
	assert.Equal(t, "remaining attempts: 4", cardErr.Message)

	assert.Nil(t, sign(DefaultPassword))
	assert.Equal(t, DefaultAttempts, card.AttemptsLeft())

	for i := 0; i < DefaultAttempts; i++ {
		require.NotNil(t, sign("nope"))
	}
	cardErr = sign(DefaultPassword)
	require.NotNil(t, cardErr)
	assert.Equal(t, types.ErrorPasswordLocked, cardErr.Name)
}

func TestCardSignFormats(t *testing.T) {
	card := NewCard("")
	key, err := card.GenerateKey(2, false)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("tx"))
	cmd := &types.Command{Name: types.CommandSign, KeyNo: 2, Digest: hex.EncodeToString(digest[:])}

	out, cardErr := card.Execute(cmd)
	require.Nil(t, cardErr)
	resp := out.(types.SignResponse)
	sig, err := types.ParseSignResponse(digest[:], &resp)
	require.NoError(t, err)
	addr, err := sig.Address()
	require.NoError(t, err)

	card.DEROnly(true)
	out, cardErr = card.Execute(cmd)
	require.Nil(t, cardErr)
	resp = out.(types.SignResponse)
	assert.Nil(t, resp.Signature.Raw)
	assert.NotEmpty(t, resp.Signature.Der)

	derSig, err := types.ParseSignResponse(digest[:], &resp)
	require.NoError(t, err)
	derAddr, err := derSig.Address()
	require.NoError(t, err)
	assert.Equal(t, addr, derAddr)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), derAddr)

	_, cardErr = card.Execute(&types.Command{Name: types.CommandSign, KeyNo: 9, Digest: cmd.Digest})
	require.NotNil(t, cardErr)
	assert.Equal(t, types.ErrorKeyNotInitialized, cardErr.Name)

	_, cardErr = card.Execute(&types.Command{Name: types.CommandSign, KeyNo: 2, Digest: "abcd"})
	require.NotNil(t, cardErr)
	assert.Equal(t, types.ErrorInvalidDigest, cardErr.Name)
}
