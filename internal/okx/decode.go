package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fushengyk/marketws/internal/domain"
)

// codeBadInstrument is returned by OKX when a subscription names an unknown instId
const codeBadInstrument = "60018"

// pushArg identifies the channel a push belongs to
type pushArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// push is the common envelope of OKX public channel messages
type push struct {
	Event  string          `json:"event"`
	Code   string          `json:"code"`
	Msg    string          `json:"msg"`
	ConnID string          `json:"connId"`
	Arg    pushArg         `json:"arg"`
	Data   json.RawMessage `json:"data"`
}

// unwrap returns the data array of a push, nil for acks and pongs
func unwrap(msg []byte) (json.RawMessage, error) {
	if string(msg) == "pong" {
		return nil, nil
	}
	var p push
	if err := json.Unmarshal(msg, &p); err != nil {
		return nil, err
	}
	switch p.Event {
	case "":
	case "error":
		if p.Code == codeBadInstrument {
			return nil, fmt.Errorf("%w: okx %s", domain.ErrBadSymbol, p.Msg)
		}
		return nil, fmt.Errorf("%w: okx code=%s msg=%s", domain.ErrExchange, p.Code, p.Msg)
	default:
		// subscribe / unsubscribe acks
		return nil, nil
	}
	if len(p.Data) == 0 {
		return nil, nil
	}
	return p.Data, nil
}

type tickerData struct {
	InstType  string `json:"instType"`
	InstID    string `json:"instId"`
	Last      string `json:"last"`
	LastSz    string `json:"lastSz"`
	AskPx     string `json:"askPx"`
	AskSz     string `json:"askSz"`
	BidPx     string `json:"bidPx"`
	BidSz     string `json:"bidSz"`
	Open24h   string `json:"open24h"`
	High24h   string `json:"high24h"`
	Low24h    string `json:"low24h"`
	VolCcy24h string `json:"volCcy24h"`
	Vol24h    string `json:"vol24h"`
	SodUtc0   string `json:"sodUtc0"`
	SodUtc8   string `json:"sodUtc8"`
	Ts        string `json:"ts"`
}

func decodeTicker(msg []byte) (any, error) {
	data, err := unwrap(msg)
	if data == nil || err != nil {
		return nil, err
	}
	var rows []tickerData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// toTicker maps an OKX ticker row. For spot, vol24h is in base currency and
// volCcy24h in quote currency; for derivatives vol24h counts contracts and
// volCcy24h is in base currency.
func (d *tickerData) toTicker(key domain.InstrumentKey) *domain.Ticker {
	t := &domain.Ticker{
		Symbol:     key.Symbol,
		MarketType: key.Market,
		Last:       parseFloat(d.Last),
		Open:       parseFloat(d.Open24h),
		High:       parseFloat(d.High24h),
		Low:        parseFloat(d.Low24h),
		Bid:        parseFloat(d.BidPx),
		Ask:        parseFloat(d.AskPx),
		Timestamp:  parseMillis(d.Ts),
	}
	if key.Market == domain.MarketSpot {
		t.BaseVolume = parseFloat(d.Vol24h)
		t.QuoteVolume = parseFloat(d.VolCcy24h)
	} else {
		t.BaseVolume = parseFloat(d.VolCcy24h)
		if t.BaseVolume != nil && t.Last != nil {
			t.QuoteVolume = domain.Float(*t.BaseVolume * *t.Last)
		}
	}
	if t.Last != nil && t.Open != nil {
		t.Change = domain.Float(*t.Last - *t.Open)
		if *t.Open != 0 {
			t.Percentage = domain.Float((*t.Last - *t.Open) / *t.Open * 100)
		}
	}
	return t
}

type bookData struct {
	Asks   [][]string `json:"asks"`
	Bids   [][]string `json:"bids"`
	InstID string     `json:"instId"`
	Ts     string     `json:"ts"`
	SeqID  int64      `json:"seqId"`
}

func decodeBook(msg []byte) (any, error) {
	data, err := unwrap(msg)
	if data == nil || err != nil {
		return nil, err
	}
	var rows []bookData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	row := rows[0]
	ob := &domain.OrderBook{
		Bids:      parseLevels(row.Bids),
		Asks:      parseLevels(row.Asks),
		Timestamp: parseMillis(row.Ts),
	}
	if row.SeqID > 0 {
		ob.Nonce = domain.Int(row.SeqID)
	}
	return ob, nil
}

type markData struct {
	InstType string `json:"instType"`
	InstID   string `json:"instId"`
	MarkPx   string `json:"markPx"`
	Ts       string `json:"ts"`
}

func decodeMark(msg []byte) (any, error) {
	data, err := unwrap(msg)
	if data == nil || err != nil {
		return nil, err
	}
	var rows []markData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

type fundingData struct {
	InstType        string `json:"instType"`
	InstID          string `json:"instId"`
	FundingRate     string `json:"fundingRate"`
	NextFundingRate string `json:"nextFundingRate"`
	FundingTime     string `json:"fundingTime"`
	NextFundingTime string `json:"nextFundingTime"`
}

func decodeFunding(msg []byte) (any, error) {
	data, err := unwrap(msg)
	if data == nil || err != nil {
		return nil, err
	}
	var rows []fundingData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

type indexData struct {
	InstID string `json:"instId"`
	IdxPx  string `json:"idxPx"`
	Ts     string `json:"ts"`
}

func decodeIndex(msg []byte) (any, error) {
	data, err := unwrap(msg)
	if data == nil || err != nil {
		return nil, err
	}
	var rows []indexData
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// parseLevels reads [price, size, deprecated, orders] rows
func parseLevels(raw [][]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			continue
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	return out
}

func parseFloat(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseMillis(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Now().UnixMilli()
	}
	return ms
}
