package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koordinates/kart/pkg/envelope"
)

func TestCodecRoundTripsApproximately(t *testing.T) {
	c := envelope.NewCodec(envelope.DefaultBitsPerValue)
	env := envelope.Envelope{W: 170.5, S: -40.2, E: 175.9, N: -35.1}

	data := c.Encode(env)
	assert.Equal(t, c.ByteLen(), len(data))

	decoded := c.Decode(data)
	// Encode rounds outward (floor w/s, ceil e/n), so the decoded envelope
	// must contain the original, with error bounded by one quantisation step.
	step := 360.0 / float64(uint64(1)<<uint(20))
	assert.LessOrEqual(t, decoded.W, env.W+step)
	assert.GreaterOrEqual(t, decoded.E, env.E-step)
	assert.LessOrEqual(t, decoded.S, env.S+step)
	assert.GreaterOrEqual(t, decoded.N, env.N-step)
}

func TestCodecDefaultsBitsPerValue(t *testing.T) {
	c := envelope.NewCodec(0)
	assert.Equal(t, envelope.DefaultBitsPerValue, c.BitsPerValue)
}

func TestCodecFullExtentRoundTrips(t *testing.T) {
	c := envelope.NewCodec(8)
	env := envelope.Envelope{W: -180, S: -90, E: 180, N: 90}
	decoded := c.Decode(c.Encode(env))
	assert.InDelta(t, -180, decoded.W, 1e-9)
	assert.InDelta(t, 180, decoded.E, 1e-9)
	assert.InDelta(t, -90, decoded.S, 1e-9)
	assert.InDelta(t, 90, decoded.N, 1e-9)
}

func TestCodecSmallBitWidthStillPacksFourValues(t *testing.T) {
	c := envelope.NewCodec(3)
	assert.Equal(t, 2, c.ByteLen()) // ceil(12/8)
	data := c.Encode(envelope.Envelope{W: 0, S: 0, E: 0, N: 0})
	assert.Len(t, data, 2)
}
