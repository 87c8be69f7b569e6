package domain

import (
	"fmt"
	"strings"
)

// NATS subject constants
const (
	SubjectPrefixStream = "stream"

	KindTicker    = "ticker"
	KindOrderBook = "orderbook"
)

// SubjectFor builds the mirror subject of a pushed payload, e.g.
// stream.binance.ticker.swap.btc_usdt_usdt
func SubjectFor(kind string, key InstrumentKey) string {
	return fmt.Sprintf("%s.%s.%s.%s.%s", SubjectPrefixStream, key.Exchange, kind, key.Market, subjectToken(key.Symbol))
}

// subjectToken makes a symbol safe for use as a single subject token.
func subjectToken(symbol string) string {
	r := strings.NewReplacer("/", "_", ":", "_", ".", "_", "*", "_", ">", "_", " ", "_")
	return strings.ToLower(r.Replace(symbol))
}

// Stream names
const (
	StreamMirror = "MARKETWS"
)

// Stream subject patterns
var (
	StreamMirrorSubjects = []string{"stream.>"}
)
