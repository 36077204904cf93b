package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		typ     Type
		id      uint64
		payload []byte
	}{
		{"data with payload", Data, 1, []byte("echo:hi")},
		{"ack empty", Ack, 42, nil},
		{"prepare empty", Prepare, 17, nil},
		{"prepare_ack", PrepareAck, 17, nil},
		{"commit", Commit, 17, nil},
		{"complete", Complete, 17, nil},
		{"max id", Data, ^uint64(0), []byte{0x00, 0xff}},
		{"zero id", Data, 0, []byte("x")},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded := Encode(tc.typ, tc.id, tc.payload)
			require.Len(t, encoded, HeaderSize+len(tc.payload))

			f, err := Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.typ, f.Type)
			assert.Equal(t, tc.id, f.ID)
			assert.Equal(t, len(tc.payload), len(f.Payload))
			if len(tc.payload) > 0 {
				assert.Equal(t, tc.payload, f.Payload)
			}
		})
	}
}

func TestEncodeBigEndianID(t *testing.T) {
	encoded := Encode(Data, 0x0102030405060708, nil)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, encoded)
}

func TestDecodeTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 8} {
		_, err := Decode(make([]byte, n))
		assert.ErrorIs(t, err, ErrTooShort)
	}
}

func TestDecodeHeaderOnly(t *testing.T) {
	f, err := Decode(Encode(Ack, 7, nil))
	require.NoError(t, err)
	assert.Equal(t, Ack, f.Type)
	assert.Equal(t, uint64(7), f.ID)
	assert.Empty(t, f.Payload)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "DATA", Data.String())
	assert.Equal(t, "PREPARE_ACK", PrepareAck.String())
	assert.Equal(t, "UNKNOWN(9)", Type(9).String())
}
