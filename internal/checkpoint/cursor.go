package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Cursor is the position of the last row an entity fully processed.
// LastPK is int64 for numeric keys and string otherwise; LastWatermark is
// only set for timestamp-watermarked entities.
type Cursor struct {
	LastPK        any        `json:"lastPk"`
	LastWatermark *time.Time `json:"lastWatermark,omitempty"`
}

// IsZero reports a cursor that has never advanced.
func (c Cursor) IsZero() bool {
	return c.LastPK == nil && c.LastWatermark == nil
}

// String renders the cursor for logs.
func (c Cursor) String() string {
	if c.IsZero() {
		return "start"
	}
	if c.LastWatermark == nil {
		return fmt.Sprintf("pk=%v", c.LastPK)
	}
	return fmt.Sprintf("wm=%s pk=%v", c.LastWatermark.UTC().Format(time.RFC3339Nano), c.LastPK)
}

// UnmarshalJSON keeps integral keys as int64 instead of float64.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var raw struct {
		LastPK        json.RawMessage `json:"lastPk"`
		LastWatermark *time.Time      `json:"lastWatermark"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.LastWatermark = raw.LastWatermark
	c.LastPK = nil

	pk := bytes.TrimSpace(raw.LastPK)
	if len(pk) == 0 || bytes.Equal(pk, []byte("null")) {
		return nil
	}
	if pk[0] == '"' {
		var s string
		if err := json.Unmarshal(pk, &s); err != nil {
			return err
		}
		c.LastPK = s
		return nil
	}
	if n, err := strconv.ParseInt(string(pk), 10, 64); err == nil {
		c.LastPK = n
		return nil
	}
	f, err := strconv.ParseFloat(string(pk), 64)
	if err != nil {
		return fmt.Errorf("cursor lastPk %s is neither number nor string", pk)
	}
	if f == math.Trunc(f) {
		c.LastPK = int64(f)
	} else {
		c.LastPK = f
	}
	return nil
}

// NormalizePK converts driver key values to the forms a cursor stores.
func NormalizePK(v any) any {
	switch k := v.(type) {
	case int:
		return int64(k)
	case int8:
		return int64(k)
	case int16:
		return int64(k)
	case int32:
		return int64(k)
	case uint8:
		return int64(k)
	case uint16:
		return int64(k)
	case uint32:
		return int64(k)
	case float64:
		if k == math.Trunc(k) {
			return int64(k)
		}
	case []byte:
		return string(k)
	}
	return v
}

// Before reports whether the cursor sorts strictly before the row at
// (wm, pk) in (watermark, pk) order. Keys that are not integers are
// ordered by the database collation, which this cannot reproduce, so an
// equal watermark with a string key always counts as after the cursor.
func (c Cursor) Before(wm *time.Time, pk any) bool {
	if c.IsZero() {
		return true
	}
	if wm != nil && c.LastWatermark != nil {
		if wm.Before(*c.LastWatermark) {
			return false
		}
		if wm.After(*c.LastWatermark) {
			return true
		}
	}
	if c.LastPK == nil {
		return true
	}
	a, aok := NormalizePK(c.LastPK).(int64)
	b, bok := NormalizePK(pk).(int64)
	if !aok || !bok {
		return true
	}
	return a < b
}
