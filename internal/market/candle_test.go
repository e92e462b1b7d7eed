package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseInterval(t *testing.T) {
	d, ok := ParseInterval("15m")
	assert.True(t, ok)
	assert.Equal(t, 15*time.Minute, d)

	d, ok = ParseInterval(" 4H ")
	assert.True(t, ok)
	assert.Equal(t, 4*time.Hour, d)

	_, ok = ParseInterval("m")
	assert.False(t, ok)
	_, ok = ParseInterval("0h")
	assert.False(t, ok)
	_, ok = ParseInterval("3x")
	assert.False(t, ok)
}

func TestDropUnclosed(t *testing.T) {
	now := time.Date(2026, 1, 2, 10, 7, 0, 0, time.UTC)
	interval := 15 * time.Minute
	closed := Candle{OpenTime: now.Add(-22 * time.Minute).UnixMilli()}
	live := Candle{OpenTime: now.Add(-7 * time.Minute).UnixMilli()}

	out := DropUnclosed([]Candle{closed, live}, interval, now)
	assert.Len(t, out, 1)

	out = DropUnclosed([]Candle{closed}, interval, now)
	assert.Len(t, out, 1)

	assert.Empty(t, DropUnclosed(nil, interval, now))
}

func TestLastClose(t *testing.T) {
	assert.Zero(t, LastClose(nil))
	assert.Equal(t, 3.0, LastClose([]Candle{{Close: 1}, {Close: 3}}))
}
