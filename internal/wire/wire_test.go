package wire

import (
	"testing"

	"github.com/cybersiliconforest/portalgun/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripEveryTag(t *testing.T) {
	sid := ids.NewStreamId()
	packets := []ControlPacket{
		Init(sid),
		Data(sid, []byte("GET /ping HTTP/1.1\r\nHost: aB3xK9pL.example.test\r\n\r\n")),
		Data(sid, nil),
		Refused(sid),
		End(sid),
		Ping(),
	}
	for _, p := range packets {
		encoded := Encode(p)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, p.Tag, decoded.Tag)
		assert.Equal(t, p.StreamId, decoded.StreamId)
		if len(p.Data) == 0 {
			assert.Empty(t, decoded.Data)
		} else {
			assert.Equal(t, p.Data, decoded.Data)
		}
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"empty":                 {},
		"unknown tag":           {0xff},
		"truncated Init":        {byte(TagInit), 0x01, 0x02},
		"truncated Data header": {byte(TagData), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		"Data length mismatch": append([]byte{byte(TagData)}, append(make([]byte, 16), []byte{0, 0, 0, 5}...)...),
	}
	for name, b := range cases {
		_, err := Decode(b)
		assert.Errorf(t, err, "case %q should fail to decode", name)
	}
}

func TestDecodeRejectsOversizedDataLength(t *testing.T) {
	sid := ids.NewStreamId().Bytes()
	buf := make([]byte, 1+16+4)
	buf[0] = byte(TagData)
	copy(buf[1:17], sid[:])
	// Claim an enormous length with no payload present.
	buf[17], buf[18], buf[19], buf[20] = 0xff, 0xff, 0xff, 0xff
	_, err := Decode(buf)
	assert.Error(t, err)
}

func TestPingHasNoStreamId(t *testing.T) {
	encoded := Encode(Ping())
	assert.Len(t, encoded, 1)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, TagPing, decoded.Tag)
}
