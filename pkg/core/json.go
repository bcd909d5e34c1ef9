// Package core holds the small shared primitives of the engine: the Logger
// abstraction, JSON codec helpers, and request-id propagation.
package core

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// JSONEncode encodes a value to JSON bytes using Sonic (fail-fast).
// Sonic is significantly faster than the standard library's json.Marshal.
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot encode nil value")
	}

	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}

	return data, nil
}

// JSONDecode decodes JSON bytes into v (fail-fast).
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot decode empty data")
	}
	if v == nil {
		return fmt.Errorf("cannot decode into nil value")
	}

	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}

// JSONRoundTrip deep-copies src into dst through a JSON encode/decode cycle.
// Used by stores to detach persisted values from live instances.
func JSONRoundTrip(src, dst interface{}) error {
	data, err := JSONEncode(src)
	if err != nil {
		return err
	}
	return JSONDecode(data, dst)
}
