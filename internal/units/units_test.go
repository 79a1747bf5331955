package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"512", 512},
		{"512B", 512},
		{"4k", 4096},
		{"64K", 65536},
		{"1M", 1048576},
		{"1G", 1073741824},
		{"1T", 1099511627776},
		{"1.5M", 1572864},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeErrors(t *testing.T) {
	tests := []string{
		"",
		"abc",
		"K",
		"-512",
		"-1M",
	}
	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}
