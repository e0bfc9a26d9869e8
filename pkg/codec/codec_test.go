package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestB64RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01, 0x02, 0x03, 0x04},
		[]byte("the quick brown fox"),
	}
	for _, c := range cases {
		encoded := B64Encode(c)
		decoded, err := B64Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestB64EncodeKnownVector(t *testing.T) {
	assert.Equal(t, "AQIDBA==", B64Encode([]byte{0x01, 0x02, 0x03, 0x04}))
}

func TestB64DecodeKnownVector(t *testing.T) {
	got, err := B64Decode("AQIDBA==")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, got)
}

func TestB64DecodeRejectsInvalidCharacter(t *testing.T) {
	_, err := B64Decode("AQIDBA\x01")
	assert.Error(t, err)
}

func TestB64DecodeRejectsEmpty(t *testing.T) {
	_, err := B64Decode("")
	assert.Error(t, err)
}

func TestDeflateInflateRoundTrip(t *testing.T) {
	cases := [][]byte{
		[]byte("5\n"),
		[]byte("a longer line of shell output\nwith multiple\nlines\n"),
		repeatByte('x', 10000),
	}
	for _, c := range cases {
		deflated, err := Deflate(c)
		require.NoError(t, err)
		inflated, err := Inflate(deflated)
		require.NoError(t, err)
		assert.Equal(t, c, inflated)
	}
}

func TestDeflateEmptyInputSucceeds(t *testing.T) {
	deflated, err := Deflate(nil)
	require.NoError(t, err)
	require.NotEmpty(t, deflated)

	inflated, err := Inflate(deflated)
	require.NoError(t, err)
	assert.Empty(t, inflated)
}

func TestInflateRejectsEmptyInput(t *testing.T) {
	_, err := Inflate(nil)
	assert.Error(t, err)
}

func TestInflateRejectsTruncatedInput(t *testing.T) {
	deflated, err := Deflate([]byte("hello world"))
	require.NoError(t, err)
	_, err = Inflate(deflated[:len(deflated)-2])
	assert.Error(t, err)
}

// TestShellResultWireFormat decodes a literal wire value from the command
// pipeline's "expr 1 + 4" scenario against the zlib-compatible Inflate path,
// independent of what Deflate itself would produce for the same input (byte-
// for-byte parity with any particular compressor implementation is not
// required, only that Inflate can read the zlib format).
func TestShellResultWireFormat(t *testing.T) {
	compressed, err := B64Decode("eAEBAgD9/zUKAHYAQA==")
	require.NoError(t, err)
	raw, err := Inflate(compressed)
	require.NoError(t, err)
	assert.Equal(t, "5\n", string(raw))
}

func TestCompressAndEncodeRoundTrip(t *testing.T) {
	encoded, err := CompressAndEncode([]byte("5\n"))
	require.NoError(t, err)

	compressed, err := B64Decode(encoded)
	require.NoError(t, err)
	raw, err := Inflate(compressed)
	require.NoError(t, err)
	assert.Equal(t, "5\n", string(raw))
}

func repeatByte(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}
