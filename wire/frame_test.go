package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()
	encoded, err := EncodeFrame(f)
	require.NoError(t, err)
	decoded, consumed, err := DecodeFrame(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	return decoded
}

func TestTokenFrameRoundTrip(t *testing.T) {
	f := &TokenFrame{}
	for i := range f.Token {
		f.Token[i] = byte(i)
	}
	got := roundTrip(t, f).(*TokenFrame)
	require.Equal(t, f.Token, got.Token)
}

func TestShardFrameRoundTrip(t *testing.T) {
	f := &ShardFrame{Index: 3, Count: 245, Data: []byte("some shard payload bytes")}
	for i := range f.SetID {
		f.SetID[i] = byte(i * 2)
	}
	got := roundTrip(t, f).(*ShardFrame)
	require.Equal(t, f.SetID, got.SetID)
	require.Equal(t, f.Index, got.Index)
	require.Equal(t, f.Count, got.Count)
	require.Equal(t, f.Data, got.Data)
}

func TestShardFrameEmptyData(t *testing.T) {
	f := &ShardFrame{Index: 0, Count: 1}
	got := roundTrip(t, f).(*ShardFrame)
	require.Equal(t, 0, len(got.Data))
}

func TestHopFrameRoundTrip(t *testing.T) {
	f := &HopFrame{Hops: []HopRecord{
		{Timestamp: 100},
		{Timestamp: 200},
	}}
	f.Hops[0].Addr[0] = 1
	f.Hops[1].Addr[0] = 2
	got := roundTrip(t, f).(*HopFrame)
	require.Equal(t, f.Hops, got.Hops)
}

func TestHopFrameEmpty(t *testing.T) {
	f := &HopFrame{}
	got := roundTrip(t, f).(*HopFrame)
	require.Equal(t, 0, len(got.Hops))
}

func TestFalconSigFrameRoundTrip(t *testing.T) {
	f := &FalconSigFrame{Signature: make([]byte, 666)}
	for i := range f.Signature {
		f.Signature[i] = byte(i)
	}
	got := roundTrip(t, f).(*FalconSigFrame)
	require.Equal(t, f.Signature, got.Signature)
}

func TestDecodeFrameRejectsReservedTags(t *testing.T) {
	for _, tag := range []FrameType{frameReserved5, frameReserved6} {
		b := make([]byte, headerSize)
		b[0] = byte(tag >> 24)
		b[1] = byte(tag >> 16)
		b[2] = byte(tag >> 8)
		b[3] = byte(tag)
		_, _, err := DecodeFrame(b)
		require.ErrorIs(t, err, ErrMalformed)
	}
}

func TestDecodeFrameRejectsUnknownTag(t *testing.T) {
	b := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	_, _, err := DecodeFrame(b)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeFrameRejectsTruncatedBody(t *testing.T) {
	f := &TokenFrame{}
	encoded, err := EncodeFrame(f)
	require.NoError(t, err)
	_, _, err = DecodeFrame(encoded[:len(encoded)-1])
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeFrameRejectsLengthOverflow(t *testing.T) {
	b := []byte{0xFE, 0x00, 0x00, 0x01, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := DecodeFrame(b)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeFrameNeverPanics(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x01},
		{0xFE, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00, 0x18},
		make([]byte, 3),
	}
	for _, in := range inputs {
		require.NotPanics(t, func() {
			_, _, _ = DecodeFrame(in)
		})
	}
}

func TestEncodeFrameDeterministic(t *testing.T) {
	f := &TokenFrame{}
	a, err := EncodeFrame(f)
	require.NoError(t, err)
	b, err := EncodeFrame(f)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDecodeFrameConsumesOnlyOneFrameFromStream(t *testing.T) {
	f1, _ := EncodeFrame(&TokenFrame{})
	f2, _ := EncodeFrame(&FalconSigFrame{Signature: []byte("sig")})
	stream := append(append([]byte(nil), f1...), f2...)

	_, consumed1, err := DecodeFrame(stream)
	require.NoError(t, err)
	require.Equal(t, len(f1), consumed1)

	decoded2, consumed2, err := DecodeFrame(stream[consumed1:])
	require.NoError(t, err)
	require.Equal(t, len(f2), consumed2)
	require.Equal(t, &FalconSigFrame{Signature: []byte("sig")}, decoded2)
}
