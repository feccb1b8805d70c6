package binance

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"trade_engine/internal/core"

	"github.com/shopspring/decimal"
)

// streamName is the Binance stream for a topic, e.g. btcusdt@kline_1h
func streamName(k core.TopicKey) string {
	return strings.ToLower(string(k.Symbol)) + "@" + k.Category.String()
}

// marketStreamURL builds one combined stream URL covering every topic
func marketStreamURL(base string, topics []core.TopicKey) (string, error) {
	if len(topics) == 0 {
		return "", fmt.Errorf("no topics to subscribe")
	}
	names := make([]string, len(topics))
	for i, k := range topics {
		names[i] = streamName(k)
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + "/stream")
	if err != nil {
		return "", fmt.Errorf("invalid stream url %q: %w", base, err)
	}
	// Binance expects the raw slash separated list
	u.RawQuery = "streams=" + strings.Join(names, "/")
	return u.String(), nil
}

func userStreamURL(base, listenKey string) string {
	return strings.TrimRight(base, "/") + "/ws/" + listenKey
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineMessage struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Final     bool   `json:"x"`
	} `json:"k"`
}

type bookTickerMessage struct {
	UpdateID int64  `json:"u"`
	Symbol   string `json:"s"`
	Bid      string `json:"b"`
	BidQty   string `json:"B"`
	Ask      string `json:"a"`
	AskQty   string `json:"A"`
}

// parseMarketMessage decodes a combined stream frame. ok is false for frames
// that carry no event, such as candles still in progress.
func parseMarketMessage(raw []byte) (ev core.MarketEvent, ok bool, err error) {
	var msg combinedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ev, false, fmt.Errorf("decode combined frame: %w", err)
	}

	switch {
	case strings.Contains(msg.Stream, "@kline_"):
		return parseKline(msg.Data)
	case strings.HasSuffix(msg.Stream, "@bookTicker"):
		return parseBookTicker(msg.Data)
	}
	return ev, false, nil
}

func parseKline(data []byte) (core.MarketEvent, bool, error) {
	var m klineMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return core.MarketEvent{}, false, fmt.Errorf("decode kline: %w", err)
	}
	if !m.Kline.Final {
		return core.MarketEvent{}, false, nil
	}
	iv, err := core.ParseInterval(m.Kline.Interval)
	if err != nil {
		return core.MarketEvent{}, false, err
	}

	var prices [4]decimal.Decimal
	for i, s := range []string{m.Kline.Open, m.Kline.High, m.Kline.Low, m.Kline.Close} {
		if prices[i], err = decimal.NewFromString(s); err != nil {
			return core.MarketEvent{}, false, fmt.Errorf("kline price %q: %w", s, err)
		}
	}

	return core.NewCandleEvent(core.Candle{
		Symbol:    core.NormalizeSymbol(m.Symbol),
		Interval:  iv,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		EventTime: m.Kline.CloseTime,
	}), true, nil
}

func parseBookTicker(data []byte) (core.MarketEvent, bool, error) {
	var m bookTickerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return core.MarketEvent{}, false, fmt.Errorf("decode book ticker: %w", err)
	}
	bid, err := decimal.NewFromString(m.Bid)
	if err != nil {
		return core.MarketEvent{}, false, fmt.Errorf("bid %q: %w", m.Bid, err)
	}
	ask, err := decimal.NewFromString(m.Ask)
	if err != nil {
		return core.MarketEvent{}, false, fmt.Errorf("ask %q: %w", m.Ask, err)
	}
	bidQty, _ := decimal.NewFromString(m.BidQty)
	askQty, _ := decimal.NewFromString(m.AskQty)

	return core.NewBookTickerEvent(core.BookTicker{
		Symbol:   core.NormalizeSymbol(m.Symbol),
		Bid:      bid,
		BidQty:   bidQty,
		Ask:      ask,
		AskQty:   askQty,
		UpdateID: m.UpdateID,
	}), true, nil
}

// User data stream event types
const (
	eventExecutionReport  = "executionReport"
	eventListenKeyExpired = "listenKeyExpired"
)

type userMessage struct {
	Event             string `json:"e"`
	EventTime         int64  `json:"E"`
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	TransactionTime   int64  `json:"T"`
}

// parseUserMessage decodes a user data frame. Only execution reports produce an
// update; the event type is returned so the caller can react to session events.
func parseUserMessage(raw []byte) (update core.OrderUpdate, event string, err error) {
	var m userMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return update, "", fmt.Errorf("decode user data: %w", err)
	}
	if m.Event != eventExecutionReport {
		return update, m.Event, nil
	}

	// a cancel carries the id of the cancel request in c and the order's own id in C
	id := m.ClientOrderID
	if m.OrigClientOrderID != "" {
		id = m.OrigClientOrderID
	}
	ts := m.TransactionTime
	if ts == 0 {
		ts = m.EventTime
	}

	return core.OrderUpdate{
		OrderID:    id,
		ExchangeID: strconv.FormatInt(m.OrderID, 10),
		Symbol:     core.NormalizeSymbol(m.Symbol),
		Status:     m.Status,
		EventTime:  ts,
	}, m.Event, nil
}
