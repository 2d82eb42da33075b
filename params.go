package rawvec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
)

// CacheSizeUnset marks a StoreParams without an explicit cache size.
const CacheSizeUnset int64 = -1

// StoreParams carries backend tuning parsed from a field's store_param JSON.
type StoreParams struct {
	// CacheSize is the cache budget in bytes, or CacheSizeUnset.
	CacheSize int64

	// Extra holds every key other than cache_size, undecoded.
	Extra map[string]json.RawMessage
}

// DefaultStoreParams returns params with every value unset.
func DefaultStoreParams() StoreParams {
	return StoreParams{CacheSize: CacheSizeUnset}
}

// ParseStoreParams parses a JSON object such as {"cache_size": "64MiB"}.
// cache_size accepts a byte count or a human readable size. An empty
// string yields DefaultStoreParams.
func ParseStoreParams(s string) (StoreParams, error) {
	p := DefaultStoreParams()
	if len(bytes.TrimSpace([]byte(s))) == 0 {
		return p, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if v, ok := raw["cache_size"]; ok {
		size, err := parseByteSize(v)
		if err != nil {
			return p, fmt.Errorf("%w: cache_size: %v", ErrInvalidParams, err)
		}
		p.CacheSize = size
		delete(raw, "cache_size")
	}
	if len(raw) > 0 {
		p.Extra = raw
	}
	return p, nil
}

func parseByteSize(v json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(v, &n); err == nil {
		if n < CacheSizeUnset {
			return 0, fmt.Errorf("negative size %d", n)
		}
		return n, nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("want integer or size string, got %s", v)
	}
	u, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if u > uint64(1<<62) {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(u), nil
}

// HasCacheSize reports whether CacheSize was set explicitly.
func (p StoreParams) HasCacheSize() bool {
	return p.CacheSize != CacheSizeUnset
}

// Int returns the integer value of an Extra key.
func (p StoreParams) Int(key string) (int, bool, error) {
	v, ok := p.Extra[key]
	if !ok {
		return 0, false, nil
	}
	var n int
	if err := json.Unmarshal(v, &n); err != nil {
		return 0, true, fmt.Errorf("%w: %s: %v", ErrInvalidParams, key, err)
	}
	return n, true, nil
}

// CheckKnown returns ErrInvalidParams if Extra holds any key not in known.
func (p StoreParams) CheckKnown(known ...string) error {
	var unknown []string
	for k := range p.Extra {
		if !slices.Contains(known, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("%w: unknown keys %v", ErrInvalidParams, unknown)
	}
	return nil
}

// MarshalJSON encodes the params back into store_param form.
func (p StoreParams) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(p.Extra)+1)
	maps.Copy(out, p.Extra)
	if p.HasCacheSize() {
		out["cache_size"] = json.RawMessage(strconv.FormatInt(p.CacheSize, 10))
	}
	return json.Marshal(out)
}

func (p StoreParams) String() string {
	return fmt.Sprintf("{cache size=%d}", p.CacheSize)
}
