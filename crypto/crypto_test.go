package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() Key {
	var k Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestMICRoundTrip(t *testing.T) {
	key := testKey()
	msg := []byte{0x40, 0x01, 0x02, 0x03, 0x04, 0x00, 0x05, 0x00}

	mic, err := MIC(key, msg, 0x04030201, 5, Uplink)
	require.NoError(t, err)

	require.NoError(t, VerifyMIC(key, msg, 0x04030201, 5, Uplink, mic))
}

func TestVerifyMICRejectsTamperedFrame(t *testing.T) {
	key := testKey()
	msg := []byte{0x40, 0x01, 0x02, 0x03, 0x04, 0x00, 0x05, 0x00}

	mic, err := MIC(key, msg, 0x04030201, 5, Uplink)
	require.NoError(t, err)

	tampered := append([]byte(nil), msg...)
	tampered[1] ^= 0xFF
	require.ErrorIs(t, VerifyMIC(key, tampered, 0x04030201, 5, Uplink, mic), ErrInvalidMic)
}

func TestMICDirectionChangesOutput(t *testing.T) {
	key := testKey()
	msg := []byte{0x01, 0x02, 0x03}

	up, err := MIC(key, msg, 1, 1, Uplink)
	require.NoError(t, err)
	down, err := MIC(key, msg, 1, 1, Downlink)
	require.NoError(t, err)
	require.NotEqual(t, up, down)
}

func TestEncryptPayloadRoundTrip(t *testing.T) {
	key := testKey()
	payload := []byte("hello lorawan, this spans more than one AES block")

	enc, err := EncryptPayload(key, 0xAABBCCDD, 7, Uplink, payload)
	require.NoError(t, err)
	require.NotEqual(t, payload, enc)

	dec, err := DecryptPayload(key, 0xAABBCCDD, 7, Uplink, enc)
	require.NoError(t, err)
	require.Equal(t, payload, dec)
}

func TestEncryptPayloadEmpty(t *testing.T) {
	key := testKey()
	enc, err := EncryptPayload(key, 1, 1, Uplink, nil)
	require.NoError(t, err)
	require.Empty(t, enc)
}

func TestJoinAcceptEncryptDecryptRoundTrip(t *testing.T) {
	appKey := testKey()
	plaintext := make([]byte, 32) // two AES blocks
	for i := range plaintext {
		plaintext[i] = byte(i * 3)
	}

	cipher, err := EncryptJoinAccept(appKey, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, cipher)

	recovered, err := DecryptJoinAccept(appKey, cipher)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	appKey := testKey()
	appNonce := [3]byte{1, 2, 3}
	netID := [3]byte{4, 5, 6}

	nwk1, app1, err := DeriveSessionKeys(appKey, appNonce, netID, 42)
	require.NoError(t, err)
	nwk2, app2, err := DeriveSessionKeys(appKey, appNonce, netID, 42)
	require.NoError(t, err)

	require.Equal(t, nwk1, nwk2)
	require.Equal(t, app1, app2)
	require.NotEqual(t, nwk1, app1)
}

func TestDeriveSessionKeysVariesWithDevNonce(t *testing.T) {
	appKey := testKey()
	appNonce := [3]byte{1, 2, 3}
	netID := [3]byte{4, 5, 6}

	nwkA, _, err := DeriveSessionKeys(appKey, appNonce, netID, 1)
	require.NoError(t, err)
	nwkB, _, err := DeriveSessionKeys(appKey, appNonce, netID, 2)
	require.NoError(t, err)

	require.NotEqual(t, nwkA, nwkB)
}

func TestEncryptBlockDeterministic(t *testing.T) {
	var in [BlockSize]byte
	in[0] = 0x42

	out1, err := EncryptBlock(Key{}, in)
	require.NoError(t, err)
	out2, err := EncryptBlock(Key{}, in)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
	require.NotEqual(t, in, out1)
}
