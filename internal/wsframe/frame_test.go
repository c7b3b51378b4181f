package wsframe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	wire := EncodeFrame(true, OpText, payload)

	frame, n, err := ParseFrame(wire)
	require.NoError(t, err)
	require.Equal(t, len(wire), n)
	require.Equal(t, OpText, frame.Opcode)
	require.True(t, frame.Fin)
	require.Equal(t, payload, frame.Payload)
}

func TestParseFrameIncompletePayloadYieldsProgress(t *testing.T) {
	full := EncodeFrame(true, OpText, []byte("0123456789"))
	_, _, err := ParseFrame(full[:len(full)-3])
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestMaskedFrameIsUnmaskedOnParse(t *testing.T) {
	payload := []byte("secret")
	mask := [4]byte{1, 2, 3, 4}
	masked := make([]byte, len(payload))
	copy(masked, payload)
	for i := range masked {
		masked[i] ^= mask[i%4]
	}

	wire := []byte{0x81, 0x80 | byte(len(payload))}
	wire = append(wire, mask[:]...)
	wire = append(wire, masked...)

	frame, _, err := ParseFrame(wire)
	require.NoError(t, err)
	require.Equal(t, payload, frame.Payload)
}

func TestComputeAcceptKeyMatchesRFC6455Example(t *testing.T) {
	// RFC 6455 §1.3 worked example.
	got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	require.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", got)
}

func TestEncodeMessageChunksAboveLimit(t *testing.T) {
	payload := make([]byte, ChunkLimit*2+5)
	for i := range payload {
		payload[i] = byte(i)
	}
	frames := EncodeMessage(OpText, payload)
	require.Len(t, frames, 3)

	var reassembled []byte
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f...)
	}
	for len(buf) > 0 {
		frame, n, err := ParseFrame(buf)
		require.NoError(t, err)
		reassembled = append(reassembled, frame.Payload...)
		buf = buf[n:]
	}
	require.Equal(t, payload, reassembled)
}

func TestEncodeMessageUnfragmentedUnderLimit(t *testing.T) {
	frames := EncodeMessage(OpText, []byte("small"))
	require.Len(t, frames, 1)
}
