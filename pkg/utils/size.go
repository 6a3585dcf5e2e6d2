package utils

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Common size constants for convenience
const (
	Byte     int64 = 1
	KiloByte int64 = 1024
	MegaByte int64 = 1024 * KiloByte
	GigaByte int64 = 1024 * MegaByte
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]*)$`)

// unitMultipliers maps upper-cased unit suffixes to bytes. KB/MB/GB are
// decimal; K/M/G and the IEC forms are binary.
var unitMultipliers = map[string]int64{
	"":      1,
	"B":     1,
	"BYTES": 1,
	"KB":    1000,
	"MB":    1000 * 1000,
	"GB":    1000 * 1000 * 1000,
	"K":     KiloByte,
	"KIB":   KiloByte,
	"M":     MegaByte,
	"MIB":   MegaByte,
	"G":     GigaByte,
	"GIB":   GigaByte,
}

// ParseDataSize parses human-friendly sizes like "512KB", "1MiB" or "65536"
// and returns the size in bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(sizeStr)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1MB', '512KiB', '65536')", sizeStr)
	}

	multiplier, ok := unitMultipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", matches[2])
	}

	if n, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
		if n > math.MaxInt64/multiplier {
			return 0, fmt.Errorf("size overflow: %s", sizeStr)
		}
		return n * multiplier, nil
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", matches[1])
	}
	bytes := value * float64(multiplier)
	if bytes > math.MaxInt64 {
		return 0, fmt.Errorf("size overflow: %s", sizeStr)
	}
	return int64(bytes), nil
}

// FormatDataSize formats bytes with binary units, e.g. "1 MB" for 1048576.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}

	units := []string{"B", "KB", "MB", "GB"}
	value := float64(bytes)
	exp := 0
	for value >= 1024 && exp < len(units)-1 {
		value /= 1024
		exp++
	}

	switch {
	case value == math.Trunc(value):
		return fmt.Sprintf("%.0f %s", value, units[exp])
	case value*10 == math.Trunc(value*10):
		return fmt.Sprintf("%.1f %s", value, units[exp])
	default:
		return fmt.Sprintf("%.2f %s", value, units[exp])
	}
}
