package feed

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"plain decimal string", "96500.25", "96500.25"},
		{"json number", json.Number("145.5"), "145.5"},
		{"at threshold stays", "1000000000", "1000000000"},
		{"fixed point decimal", "100000000000000000000", "100"},
		{"fixed point hex", "0x56bc75e2d63100000", "100"},
		{"small hex", "0xff", "255"},
		{"padded string", " 3.25 ", "3.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePrice(tt.in)
			if err != nil {
				t.Fatalf("NormalizePrice(%v): %v", tt.in, err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("NormalizePrice(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizePrice_HexMatchesDecimal(t *testing.T) {
	hex, err := NormalizePrice("0x174876e800")
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NormalizePrice("100000000000")
	if err != nil {
		t.Fatal(err)
	}
	if !hex.Equal(dec) {
		t.Errorf("hex %s != decimal %s", hex, dec)
	}
	if !hex.Equal(decimal.RequireFromString("0.0000001")) {
		t.Errorf("1e11 should scale to 1e-7, got %s", hex)
	}
}

func TestNormalizePrice_Rejects(t *testing.T) {
	for _, in := range []any{"abc", "0xzz", true, map[string]any{}} {
		if _, err := NormalizePrice(in); err == nil {
			t.Errorf("NormalizePrice(%v) should fail", in)
		}
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantID string
		want   float64
	}{
		{"data envelope", `{"type":"oracle_prices","data":{"asset_id":"BTCUSD","price":"96500.5"}}`, "BTCUSD", 96500.5},
		{"flat frame", `{"symbol":"ETHUSD","value":2750}`, "ETHUSD", 2750},
		{"asset_id wins over symbol", `{"asset_id":"SOLUSD","symbol":"ETHUSD","price":145}`, "SOLUSD", 145},
		{"empty asset_id falls through", `{"asset_id":"","id":"SUIUSD","price":"3.25"}`, "SUIUSD", 3.25},
		{"zero price falls to value", `{"id":"BTCUSD","price":0,"value":"96000"}`, "BTCUSD", 96000},
		{"null data uses frame", `{"data":null,"id":"SOL","price":"150"}`, "SOL", 150},
		{"fixed point hex", `{"data":{"asset_id":"ETHUSD","price":"0x56bc75e2d63100000"}}`, "ETHUSD", 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := ParseMessage([]byte(tt.raw))
			if !ok {
				t.Fatalf("ParseMessage(%s) dropped the frame", tt.raw)
			}
			if q.FeedID != tt.wantID || q.Price != tt.want {
				t.Errorf("got %+v, want {%s %v}", q, tt.wantID, tt.want)
			}
		})
	}
}

func TestParseMessage_Drops(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"array", `[1,2,3]`},
		{"no id", `{"price":"100"}`},
		{"no price", `{"asset_id":"BTCUSD"}`},
		{"numeric id", `{"id":42,"price":"100"}`},
		{"negative price", `{"asset_id":"BTCUSD","price":"-5"}`},
		{"garbage price", `{"asset_id":"BTCUSD","price":"n/a"}`},
		{"data not an object", `{"data":"BTCUSD","asset_id":"BTCUSD","price":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if q, ok := ParseMessage([]byte(tt.raw)); ok {
				t.Errorf("ParseMessage(%s) = %+v, want drop", tt.raw, q)
			}
		})
	}
}

func TestFeedIDRoundTrip(t *testing.T) {
	for _, sym := range []string{"BTC", "ETH", "SUI", "SOL"} {
		if got := Symbol(FeedID(sym)); got != sym {
			t.Errorf("Symbol(FeedID(%s)) = %s", sym, got)
		}
	}
	if FeedID("DOGE") != "DOGE" || Symbol("DOGEUSD") != "DOGEUSD" {
		t.Error("unknown identifiers should pass through")
	}
}
