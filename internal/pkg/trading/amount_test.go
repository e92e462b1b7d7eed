package trading

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalcCloseAmount(t *testing.T) {
	assert.InDelta(t, 0.5, CalcCloseAmount(1, 2, 0.5, false), 1e-12)
	assert.InDelta(t, 1, CalcCloseAmount(1, 4, 0.5, true), 1e-12)
	assert.Zero(t, CalcCloseAmount(0, 1, 0.5, false))
}

func TestFloorToStep(t *testing.T) {
	assert.InDelta(t, 1.234, FloorToStep(1.23456, 0.001), 1e-12)
	assert.InDelta(t, 12, FloorToStep(12.9, 1), 1e-12)
	assert.InDelta(t, 0.3, FloorToStep(0.3, 0.1), 1e-12)
	assert.InDelta(t, 5.5, FloorToStep(5.5, 0), 1e-12)
}

func TestFormatQty(t *testing.T) {
	assert.Equal(t, "1.234", FormatQty(1.23456, 0.001))
	assert.Equal(t, "12", FormatQty(12.9, 1))
	assert.Equal(t, "0.00100000", FormatQty(0.001, 0))
}

func TestPnL(t *testing.T) {
	assert.InDelta(t, 9, PnL(100, 104.5, 2, 1), 1e-12)
	assert.InDelta(t, -2.5, PnL(100, 102.5, 1, -1), 1e-12)
}
