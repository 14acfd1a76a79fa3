package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/koordinates/kart/pkg/envelope"
)

func TestUnionOfEnvelopesWithNilAccumulatorReturnsOther(t *testing.T) {
	env := envelope.Envelope{W: 10, S: 10, E: 20, N: 20}
	assert.Equal(t, env, envelope.UnionOfEnvelopes(nil, env))
}

func TestUnionOfEnvelopesNonOverlapping(t *testing.T) {
	a := envelope.Envelope{W: 0, S: 0, E: 10, N: 10}
	b := envelope.Envelope{W: 20, S: 5, E: 30, N: 15}
	u := envelope.UnionOfEnvelopes(&a, b)
	assert.InDelta(t, 0, u.W, 1e-9)
	assert.InDelta(t, 30, u.E, 1e-9)
	assert.InDelta(t, 0, u.S, 1e-9)
	assert.InDelta(t, 15, u.N, 1e-9)
}

func TestUnionOfEnvelopesAcrossAntimeridianPicksNarrowerSide(t *testing.T) {
	// Both envelopes straddle the antimeridian slightly; the union should
	// stay narrow (crossing antimeridian) rather than spanning the whole
	// globe the long way around.
	a := envelope.Envelope{W: 170, S: -5, E: -175, N: 5} // crosses antimeridian: e<w
	b := envelope.Envelope{W: 175, S: -5, E: -170, N: 5}
	u := envelope.UnionOfEnvelopes(&a, b)
	assert.True(t, u.E < u.W, "expected union to still cross the antimeridian, got %+v", u)
}

func TestUnionOfEnvelopesCollapsesToFullWidthWhenTooWide(t *testing.T) {
	a := envelope.Envelope{W: -180, S: -5, E: 180, N: 5}
	b := envelope.Envelope{W: 10, S: -5, E: 20, N: 5}
	u := envelope.UnionOfEnvelopes(&a, b)
	assert.InDelta(t, -180, u.W, 1e-9)
	assert.InDelta(t, 180, u.E, 1e-9)
}
