package validator

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"
)

// 时间戳接受的格式，比较前统一截断到秒
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// comparer 归一化比较：字符串去首尾空白，时间戳截断到秒，
// 数值在容差内视为相等（兼容字符串形式的数字）。
type comparer struct {
	tolerance *big.Rat
}

func (c *comparer) equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ra, ok := toRat(a); ok {
		if rb, ok := toRat(b); ok {
			diff := new(big.Rat).Sub(ra, rb)
			return diff.Abs(diff).Cmp(c.tolerance) <= 0
		}
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return false
		}
		as, bs := strings.TrimSpace(av), strings.TrimSpace(bv)
		if at, ok := parseTime(as); ok {
			bt, ok := parseTime(bs)
			if !ok {
				return false
			}
			return at.UTC().Truncate(time.Second).Equal(bt.UTC().Truncate(time.Second))
		}
		return as == bs

	case bool:
		bv, ok := b.(bool)
		return ok && av == bv

	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !c.equal(av[i], bv[i]) {
				return false
			}
		}
		return true

	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !c.equal(v, other) {
				return false
			}
		}
		return true

	default:
		return a == b
	}
}

func toRat(v interface{}) (*big.Rat, bool) {
	switch n := v.(type) {
	case float64:
		if r := new(big.Rat).SetFloat64(n); r != nil {
			return r, true
		}
	case float32:
		if r := new(big.Rat).SetFloat64(float64(n)); r != nil {
			return r, true
		}
	case int:
		return new(big.Rat).SetInt64(int64(n)), true
	case int32:
		return new(big.Rat).SetInt64(int64(n)), true
	case int64:
		return new(big.Rat).SetInt64(n), true
	case json.Number:
		return new(big.Rat).SetString(n.String())
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return nil, false
		}
		return new(big.Rat).SetString(s)
	}
	return nil, false
}
