package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesExtraction(t *testing.T) {
	candles := []Candle{
		{OpenTime: 1000, Close: 10, Volume: 100},
		{OpenTime: 2000, Close: 11, Volume: 150},
		{OpenTime: 3000, Close: 12, Volume: 90},
	}
	assert.Equal(t, []float64{10, 11, 12}, Closes(candles))
	assert.Equal(t, []float64{100, 150, 90}, Volumes(candles))
}

func TestValidateOrdering(t *testing.T) {
	t.Run("strictly increasing ok", func(t *testing.T) {
		candles := []Candle{{OpenTime: 1}, {OpenTime: 2}, {OpenTime: 3}}
		require.NoError(t, ValidateOrdering(candles))
	})
	t.Run("duplicate open time rejected", func(t *testing.T) {
		candles := []Candle{{OpenTime: 1}, {OpenTime: 1}}
		assert.Error(t, ValidateOrdering(candles))
	})
	t.Run("regression rejected", func(t *testing.T) {
		candles := []Candle{{OpenTime: 5}, {OpenTime: 3}}
		assert.Error(t, ValidateOrdering(candles))
	})
	t.Run("empty and single ok", func(t *testing.T) {
		require.NoError(t, ValidateOrdering(nil))
		require.NoError(t, ValidateOrdering([]Candle{{OpenTime: 7}}))
	})
}
