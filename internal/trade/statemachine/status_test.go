package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrdering(t *testing.T) {
	assert.True(t, WFB < PUB)
	assert.True(t, PUB < TAK)
	assert.True(t, TAK < WF2)
	assert.True(t, WF2 < WFE)
	assert.True(t, WFE < WFI)
	assert.True(t, WFI < CHA)
	assert.True(t, CHA < FSE)
	assert.True(t, FSE < PAY)
	assert.True(t, PAY < SUC)
}

func TestTerminalOrdinalsOutsideCancelRanges(t *testing.T) {
	// The phased-cancel rules only ever range-compare against PUB, TAK,
	// CHA. Terminal states must never satisfy those ranges by accident.
	assert.False(t, InRange(UCA, PUB, CHA))
	assert.False(t, InRange(EXP, PUB, CHA))
	assert.False(t, InRange(DIS, PUB, CHA))
	assert.False(t, InRange(UCA, TAK, CHA))
}

func TestInRange(t *testing.T) {
	assert.True(t, InRange(TAK, PUB, CHA))
	assert.True(t, InRange(WF2, PUB, CHA))
	assert.False(t, InRange(PUB, PUB, CHA))
	assert.False(t, InRange(CHA, PUB, CHA))
}

func TestTransition_Legal(t *testing.T) {
	cases := []struct{ from, to Status }{
		{WFB, PUB},
		{PUB, TAK},
		{TAK, WF2},
		{TAK, PUB},
		{WF2, WFE},
		{WF2, WFI},
		{WF2, CHA},
		{WFE, CHA},
		{WFI, CHA},
		{CHA, FSE},
		{FSE, PAY},
		{PAY, SUC},
	}
	for _, c := range cases {
		assert.NoError(t, Transition(c.from, c.to), "%s -> %s should be legal", c.from, c.to)
	}
}

func TestTransition_Illegal(t *testing.T) {
	cases := []struct{ from, to Status }{
		{WFB, CHA},
		{PUB, SUC},
		{SUC, WFB},
		{UCA, PUB},
	}
	for _, c := range cases {
		assert.Error(t, Transition(c.from, c.to), "%s -> %s should be illegal", c.from, c.to)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{SUC, UCA, EXP, DIS} {
		assert.True(t, s.IsTerminal())
	}
	for _, s := range []Status{WFB, PUB, TAK, WF2, WFE, WFI, CHA, FSE, PAY} {
		assert.False(t, s.IsTerminal())
	}
}
