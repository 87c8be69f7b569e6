package stream

import (
	"encoding/json"
	"strings"

	"github.com/fushengyk/marketws/internal/domain"
)

// Client actions
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"

	ActionSubscribed    = "subscribed"
	ActionUnsubscribed  = "unsubscribed"
	ActionPong          = "pong"
	ActionOrderBookPush = "orderbook_update"

	typeError  = "error"
	typeTicker = "ticker"
)

// Error reasons sent in {"type":"error"} envelopes
const (
	ReasonInvalidJSON        = "invalid_json"
	ReasonUnknownAction      = "unknown_action"
	ReasonSymbolRequired     = "symbol_required"
	ReasonInvalidMarketType  = "invalid_market_type"
	ReasonSymbolNotSupported = "symbol_not_supported"
)

// controlMessage is a client request
type controlMessage struct {
	Action     string `json:"action"`
	Symbol     string `json:"symbol"`
	MarketType string `json:"marketType"`
}

// request is a validated control message
type request struct {
	action string
	key    domain.InstrumentKey
}

// protocolError is a client error that does not end the session
type protocolError struct {
	reason  string
	message string
}

func (e *protocolError) Error() string { return e.reason + ": " + e.message }

// parseControl validates one inbound frame for a session bound to exchange.
func parseControl(raw []byte, exchange domain.ExchangeID) (request, *protocolError) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return request{}, &protocolError{ReasonInvalidJSON, "invalid JSON: " + err.Error()}
	}

	action := strings.ToLower(strings.TrimSpace(msg.Action))
	switch action {
	case ActionPing:
		return request{action: action}, nil
	case ActionSubscribe, ActionUnsubscribe:
	default:
		return request{}, &protocolError{ReasonUnknownAction, "unknown action: " + msg.Action}
	}

	symbol := domain.NormalizeSymbol(msg.Symbol)
	if symbol == "" {
		return request{}, &protocolError{ReasonSymbolRequired, "symbol is required"}
	}
	market, err := domain.ParseMarketType(msg.MarketType)
	if err != nil {
		return request{}, &protocolError{ReasonInvalidMarketType, err.Error()}
	}

	return request{
		action: action,
		key:    domain.InstrumentKey{Exchange: exchange, Market: market, Symbol: symbol},
	}, nil
}

type ackMessage struct {
	Action     string            `json:"action"`
	Symbol     string            `json:"symbol,omitempty"`
	MarketType domain.MarketType `json:"marketType,omitempty"`
}

type errorMessage struct {
	Type       string            `json:"type"`
	Reason     string            `json:"reason"`
	Message    string            `json:"message,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	MarketType domain.MarketType `json:"marketType,omitempty"`
}

type tickerMessage struct {
	Type string         `json:"type"`
	Data *domain.Ticker `json:"data"`
}

type orderBookMessage struct {
	Action     string              `json:"action"`
	Exchange   domain.ExchangeID   `json:"exchange"`
	MarketType domain.MarketType   `json:"marketType"`
	Symbol     string              `json:"symbol"`
	Bids       []domain.PriceLevel `json:"bids"`
	Asks       []domain.PriceLevel `json:"asks"`
	Timestamp  int64               `json:"timestamp"`
	Nonce      *int64              `json:"nonce"`
	ServerTime int64               `json:"serverTime"`
}

func ack(action string, key domain.InstrumentKey) ackMessage {
	return ackMessage{Action: action, Symbol: key.Symbol, MarketType: key.Market}
}

func newTickerMessage(t *domain.Ticker) tickerMessage {
	return tickerMessage{Type: typeTicker, Data: t}
}

func newOrderBookMessage(key domain.InstrumentKey, ob *domain.OrderBook, serverTime int64) orderBookMessage {
	bids, asks := ob.Bids, ob.Asks
	if bids == nil {
		bids = []domain.PriceLevel{}
	}
	if asks == nil {
		asks = []domain.PriceLevel{}
	}
	return orderBookMessage{
		Action:     ActionOrderBookPush,
		Exchange:   key.Exchange,
		MarketType: key.Market,
		Symbol:     key.Symbol,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  ob.Timestamp,
		Nonce:      ob.Nonce,
		ServerTime: serverTime,
	}
}

func symbolNotSupported(key domain.InstrumentKey) errorMessage {
	return errorMessage{
		Type:       typeError,
		Reason:     ReasonSymbolNotSupported,
		Symbol:     key.Symbol,
		MarketType: key.Market,
	}
}

func (e *protocolError) envelope() errorMessage {
	return errorMessage{Type: typeError, Reason: e.reason, Message: e.message}
}
