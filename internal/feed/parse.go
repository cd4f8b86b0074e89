package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Quote is one normalized price extracted from a stream frame.
type Quote struct {
	FeedID string
	Price  float64
}

var (
	errNoNumber = errors.New("feed: value is not a number")

	// Values above this are fixed-point with 18 decimals.
	scaleThreshold = decimal.NewFromInt(1_000_000_000)
	fixedPointExp  = int32(-18)
)

// Field names tried in order; the first one holding a truthy value wins.
var (
	assetFields = []string{"asset_id", "symbol", "id"}
	priceFields = []string{"price", "value"}
)

// numberRule turns one representation of a raw price into a decimal. Rules
// are tried in order and the first whose match accepts the value decides.
type numberRule struct {
	name  string
	match func(v any) bool
	parse func(v any) (decimal.Decimal, error)
}

var numberRules = []numberRule{
	{
		name: "hex string",
		match: func(v any) bool {
			s, ok := v.(string)
			return ok && strings.HasPrefix(strings.TrimSpace(s), "0x")
		},
		parse: func(v any) (decimal.Decimal, error) {
			n, ok := new(big.Int).SetString(strings.TrimSpace(v.(string))[2:], 16)
			if !ok {
				return decimal.Zero, errNoNumber
			}
			return decimal.NewFromBigInt(n, 0), nil
		},
	},
	{
		name:  "decimal string",
		match: func(v any) bool { _, ok := v.(string); return ok },
		parse: func(v any) (decimal.Decimal, error) {
			return decimal.NewFromString(strings.TrimSpace(v.(string)))
		},
	},
	{
		name:  "json number",
		match: func(v any) bool { _, ok := v.(json.Number); return ok },
		parse: func(v any) (decimal.Decimal, error) {
			return decimal.NewFromString(v.(json.Number).String())
		},
	},
}

// ParseMessage extracts a quote from a loosely shaped JSON frame. The payload
// is the "data" object when present, else the frame itself. It reports false
// for anything that does not yield an identifier and a positive price.
func ParseMessage(raw []byte) (Quote, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var frame map[string]any
	if err := dec.Decode(&frame); err != nil || frame == nil {
		return Quote{}, false
	}

	payload := frame
	if v, ok := frame["data"]; ok && truthy(v) {
		obj, ok := v.(map[string]any)
		if !ok {
			return Quote{}, false
		}
		payload = obj
	}

	id, ok := firstTruthy(payload, assetFields).(string)
	if !ok || id == "" {
		return Quote{}, false
	}

	rawPrice := firstTruthy(payload, priceFields)
	if rawPrice == nil {
		return Quote{}, false
	}
	price, err := NormalizePrice(rawPrice)
	if err != nil || !price.IsPositive() {
		return Quote{}, false
	}

	return Quote{FeedID: id, Price: price.InexactFloat64()}, true
}

// NormalizePrice converts a raw price into human scale: hex strings are read
// as base 16, decimal strings and numbers as base 10, and magnitudes above
// 1e9 are treated as 18-decimal fixed point.
func NormalizePrice(v any) (decimal.Decimal, error) {
	for _, r := range numberRules {
		if !r.match(v) {
			continue
		}
		d, err := r.parse(v)
		if err != nil {
			return decimal.Zero, err
		}
		if d.GreaterThan(scaleThreshold) {
			d = d.Shift(fixedPointExp)
		}
		return d, nil
	}
	return decimal.Zero, errNoNumber
}

func firstTruthy(obj map[string]any, fields []string) any {
	for _, f := range fields {
		if v, ok := obj[f]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

// truthy mirrors loose JSON truthiness: null, false, "", and 0 are empty.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	default:
		return true
	}
}
