package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseByteSize parses sizes like "1MB", "512KB" or "2048". An empty string
// yields def.
func ParseByteSize(size string, def int64) (int64, error) {
	if size == "" {
		return def, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive: %q", size)
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large: %q", size)
	}
	return result, nil
}
