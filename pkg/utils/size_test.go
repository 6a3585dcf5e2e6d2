package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		// Plain bytes
		{"0", 0, false},
		{"65536", 65536, false},
		{"100B", 100, false},
		{" 512 bytes ", 512, false},

		// Decimal
		{"1KB", 1000, false},
		{"1.5KB", 1500, false},
		{"1MB", 1000000, false},
		{"2GB", 2000000000, false},

		// Binary
		{"1K", 1024, false},
		{"64KiB", 65536, false},
		{"1M", 1048576, false},
		{"1mib", 1048576, false},
		{"1.5MiB", 1572864, false},
		{"1G", 1073741824, false},

		// Invalid
		{"", 0, true},
		{"MB", 0, true},
		{"1XB", 0, true},
		{"-1MB", 0, true},
		{"1.2.3KB", 0, true},
		{"99999999999999999999GB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{-1, "invalid"},
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1 KB"},
		{1536, "1.5 KB"},
		{MegaByte, "1 MB"},
		{MegaByte + MegaByte/4, "1.25 MB"},
		{3 * GigaByte, "3 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDataSize(tt.bytes))
		})
	}
}

func TestFormatParsedSize(t *testing.T) {
	got, err := ParseDataSize("1MiB")
	require.NoError(t, err)
	assert.Equal(t, "1 MB", FormatDataSize(got))
}
