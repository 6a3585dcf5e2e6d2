package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"socp/pkg/utils"
)

// Duration accepts either a Go duration string ("15s") or a JSON number of
// milliseconds (45000).
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case json.Number:
		ms, err := v.Int64()
		if err != nil {
			return fmt.Errorf("duration must be whole milliseconds, got %s", v)
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("duration must be a number or string, got %T", v)
	}
	return nil
}

// Size accepts a byte count or a human-friendly size string ("1MB").
type Size int64

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(s))
}

func (s Size) String() string { return utils.FormatDataSize(int64(s)) }

func (s *Size) UnmarshalJSON(data []byte) error {
	var raw interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return fmt.Errorf("size must be whole bytes, got %s", v)
		}
		*s = Size(n)
	case string:
		n, err := utils.ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("invalid size format: %w", err)
		}
		*s = Size(n)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}
