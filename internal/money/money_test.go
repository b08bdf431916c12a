package money

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		err  bool
	}{
		{"1.50", 1500000, false},
		{"0.000001", 1, false},
		{"10", 10000000, false},
		{"0", 0, false},
		{"1.1234567", 1123456, false}, // truncated past 6 decimals
		{".5", 500000, false},
		{"", 0, true},
		{"-1", 0, true},
		{"1.2.3", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.err {
			assert.Error(t, err, "Parse(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "Parse(%q)", tt.in)
		assert.Equal(t, tt.want, got.Int64(), "Parse(%q)", tt.in)
	}
}

func TestParsePositive(t *testing.T) {
	_, err := ParsePositive("0")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParsePositive("0.000000")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	got, err := ParsePositive("0.000001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Int64())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "1.500000", Format(big.NewInt(1500000)))
	assert.Equal(t, "0.000001", Format(big.NewInt(1)))
	assert.Equal(t, "0.000000", Format(nil))
	assert.Equal(t, "-2.000000", Format(big.NewInt(-2000000)))
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"1.500000", "0.000001", "123456.789012"} {
		amount, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, Format(amount))
	}
}
