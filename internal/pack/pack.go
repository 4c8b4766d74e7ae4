// Package pack implements the compact pipe-delimited key=value wire
// format used by lift devices ("pack_raw" strings).
package pack

import (
	"math"
	"strconv"
	"strings"
)

// Pack is a parsed pack string. Values are string, int64, float64 or nil
// (nil marks a key that was present with an empty value).
type Pack map[string]any

// Keys coerced during parse. Unknown keys stay strings.
var (
	intKeys = map[string]struct{}{
		"v": {}, "ts": {}, "fi": {}, "door": {}, "home_floor": {},
	}
	floatKeys = map[string]struct{}{
		"h": {}, "laser_val": {}, "height_raw": {},
		"accel_x_val": {}, "accel_y_val": {}, "accel_z_val": {},
		"gyro_x_val": {}, "gyro_y_val": {}, "gyro_z_val": {},
		"mpu_temp_val": {}, "humidity_val": {}, "mic_val": {},
		"x_vibe": {}, "y_vibe": {}, "z_vibe": {},
		"x_jerk": {}, "y_jerk": {}, "z_jerk": {},
		"temperature": {}, "humidity": {}, "sound_level": {},
		"vel": {},
	}
)

// Parse parses a "k=v|k=v|..." string with best-effort typing. Malformed
// segments (no '=', empty key) are dropped; duplicate keys last-wins;
// parsing never fails.
func Parse(raw string) Pack {
	out := Pack{}
	if raw == "" {
		return out
	}
	for _, pair := range strings.Split(raw, "|") {
		if pair == "" {
			continue
		}
		// Split on the first '=' only, so values may contain '='.
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(pair[:eq])
		value := strings.TrimSpace(pair[eq+1:])
		if key == "" {
			continue
		}
		out[key] = coerce(key, value)
	}
	return out
}

func coerce(key, value string) any {
	if value == "" {
		return nil
	}
	if _, ok := intKeys[key]; ok {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
		return value
	}
	if _, ok := floatKeys[key]; ok {
		if f, ok := parseFiniteFloat(value); ok {
			return f
		}
		return value
	}
	return value
}

func parseFiniteFloat(value string) (float64, bool) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// GetFloat returns the value under key as a finite float. NaN/Inf and
// unparseable values count as absent.
func GetFloat(p Pack, key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case int64:
		return float64(v), true
	case string:
		return parseFiniteFloat(v)
	default:
		return 0, false
	}
}

// GetFloatFallback is GetFloat with a secondary key tried when the
// primary is absent.
func GetFloatFallback(p Pack, key, fallback string) (float64, bool) {
	if f, ok := GetFloat(p, key); ok {
		return f, true
	}
	return GetFloat(p, fallback)
}

// GetInt returns the value under key as an int64. Floats are accepted
// only when integral (e.g. 3.0).
func GetInt(p Pack, key string) (int64, bool) {
	switch v := p[key].(type) {
	case int64:
		return v, true
	case float64:
		n := int64(v)
		if float64(n) == v {
			return n, true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// DoorToBit maps the door representations firmware is known to send to a
// 0/1 bit: "OPEN" -> 1, "CLOSED"/"CLOSE" -> 0, numeric strings and
// numeric/bool truthiness. Anything else is absent.
func DoorToBit(v any) (int, bool) {
	switch d := v.(type) {
	case string:
		s := strings.ToUpper(strings.TrimSpace(d))
		if s == "OPEN" {
			return 1, true
		}
		if s == "CLOSED" || s == "CLOSE" {
			return 0, true
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			if n != 0 {
				return 1, true
			}
			return 0, true
		}
		return 0, false
	case bool:
		if d {
			return 1, true
		}
		return 0, true
	case int64:
		if d != 0 {
			return 1, true
		}
		return 0, true
	case float64:
		if int64(d) != 0 {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// TSSeconds reads the "ts" key as epoch seconds.
func TSSeconds(p Pack) (int64, bool) {
	return GetInt(p, "ts")
}

// TSMillis reads the "ts" key (epoch seconds) converted to milliseconds.
func TSMillis(p Pack) (int64, bool) {
	sec, ok := TSSeconds(p)
	if !ok {
		return 0, false
	}
	return sec * 1000, true
}
