package feed

// feedIDs maps short asset symbols to the identifiers used on the price stream.
var feedIDs = map[string]string{
	"BTC": "BTCUSD",
	"ETH": "ETHUSD",
	"SUI": "SUIUSD",
	"SOL": "SOLUSD",
}

var symbols = func() map[string]string {
	m := make(map[string]string, len(feedIDs))
	for sym, id := range feedIDs {
		m[id] = sym
	}
	return m
}()

// FeedID returns the stream identifier for symbol. Unknown symbols are
// returned unchanged.
func FeedID(symbol string) string {
	if id, ok := feedIDs[symbol]; ok {
		return id
	}
	return symbol
}

// Symbol returns the short symbol for a stream identifier. Unknown
// identifiers are returned unchanged.
func Symbol(feedID string) string {
	if sym, ok := symbols[feedID]; ok {
		return sym
	}
	return feedID
}
