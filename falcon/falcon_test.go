package falcon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	for _, mode := range []Mode{Falcon512, Falcon1024} {
		pub, priv, err := Generate(mode)
		require.NoError(t, err)
		require.Len(t, pub.Bytes, PublicKeySize(mode))
		require.Len(t, priv.Bytes, PrivateKeySize(mode))

		msg := []byte("the exporter transcript hash, 32 bytes worth")
		sig, err := Sign(priv, msg)
		require.NoError(t, err)
		require.Len(t, sig, SignatureSize(mode))

		require.True(t, Verify(pub, msg, sig))
	}
}

func TestVerifyRejectsCorruptedSignature(t *testing.T) {
	pub, priv, err := Generate(Falcon512)
	require.NoError(t, err)
	msg := []byte("hello")
	sig, err := Sign(priv, msg)
	require.NoError(t, err)

	corrupted := append([]byte(nil), sig...)
	corrupted[0] ^= 0xFF
	require.False(t, Verify(pub, msg, corrupted))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	pubA, _, err := Generate(Falcon1024)
	require.NoError(t, err)
	_, privB, err := Generate(Falcon1024)
	require.NoError(t, err)

	msg := []byte("transcript")
	sig, err := Sign(privB, msg)
	require.NoError(t, err)
	require.False(t, Verify(pubA, msg, sig))
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	pub, priv, err := Generate(Falcon512)
	require.NoError(t, err)
	sig, err := Sign(priv, []byte("message one"))
	require.NoError(t, err)
	require.False(t, Verify(pub, []byte("message two"), sig))
}

func TestVerifyRejectsWrongLengthSignature(t *testing.T) {
	pub, _, err := Generate(Falcon512)
	require.NoError(t, err)
	require.False(t, Verify(pub, []byte("msg"), []byte("too short")))
}

func TestParsePublicKeyRoundTrip(t *testing.T) {
	pub, _, err := Generate(Falcon1024)
	require.NoError(t, err)
	marshaled := pub.Marshal()
	parsed, err := ParsePublicKey(Falcon1024, marshaled)
	require.NoError(t, err)
	require.Equal(t, pub.Bytes, parsed.Bytes)
}

func TestParsePublicKeyRejectsWrongLength(t *testing.T) {
	_, err := ParsePublicKey(Falcon512, []byte{1, 2, 3})
	require.Error(t, err)
	var ce *CryptoError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "InvalidKey", ce.Kind)
}

func TestVerifyOrError(t *testing.T) {
	pub, priv, err := Generate(Falcon512)
	require.NoError(t, err)
	sig, err := Sign(priv, []byte("m"))
	require.NoError(t, err)
	require.NoError(t, VerifyOrError(pub, []byte("m"), sig))

	err = VerifyOrError(pub, []byte("m"), append([]byte(nil), sig[:len(sig)-1]...))
	require.Error(t, err)
}
