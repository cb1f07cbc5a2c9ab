package amount

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  btcutil.Amount
	}{
		{"0.1", 10_000_000},
		{"0.00000001", 1},
		{"-0.05", -5_000_000},
		{"  2.5\n", 250_000_000},
		{"1e-8", 1},
		{"0", 0},
		{"21000000", btcutil.MaxSatoshi},
	}

	for _, tt := range tests {
		got, err := Parse(tt.input)
		require.NoError(t, err, "input %q", tt.input)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
	}
}

func TestParseRejects(t *testing.T) {
	for _, input := range []string{"", "abc", "0.000000001", "21000000.00000001", "1,5"} {
		_, err := Parse(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0.6", Format(60_000_000))
	assert.Equal(t, "-0.00000001", Format(-1))
	assert.Equal(t, "0", Format(0))
	assert.Equal(t, "50", Format(50*btcutil.SatoshiPerBitcoin))
}
