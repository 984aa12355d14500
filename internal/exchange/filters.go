package exchange

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/pkg/precision"
)

// exchangeInfo 响应中与交易相关的过滤器字段全部是字符串
type symbolFilter struct {
	FilterType string `json:"filterType"`

	// PRICE_FILTER
	TickSize string `json:"tickSize"`
	MinPrice string `json:"minPrice"`
	MaxPrice string `json:"maxPrice"`

	// LOT_SIZE
	StepSize string `json:"stepSize"`
	MinQty   string `json:"minQty"`

	// NOTIONAL / MIN_NOTIONAL
	MinNotional string `json:"minNotional"`

	// PERCENT_PRICE_BY_SIDE
	BidMultiplierUp   string `json:"bidMultiplierUp"`
	BidMultiplierDown string `json:"bidMultiplierDown"`
	AskMultiplierUp   string `json:"askMultiplierUp"`
	AskMultiplierDown string `json:"askMultiplierDown"`

	// PERCENT_PRICE（旧格式，双边共用）
	MultiplierUp   string `json:"multiplierUp"`
	MultiplierDown string `json:"multiplierDown"`
}

type symbolInfo struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfo `json:"symbols"`
}

func parseF(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseSymbolRules 从 exchangeInfo 响应中解析指定交易对的过滤器规则
func ParseSymbolRules(raw json.RawMessage, symbol string) (*domain.SymbolRules, error) {
	var resp exchangeInfoResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "解析 exchangeInfo 失败")
	}

	symbol = strings.ToUpper(symbol)
	for _, info := range resp.Symbols {
		if info.Symbol != symbol {
			continue
		}
		if info.Status != "" && info.Status != "TRADING" {
			return nil, errors.Errorf("交易对 %s 当前状态为 %s, 不可交易", symbol, info.Status)
		}

		rules := &domain.SymbolRules{
			Symbol:            symbol,
			BaseAsset:         info.BaseAsset,
			QuoteAsset:        info.QuoteAsset,
			PricePrecision:    8,
			QuantityPrecision: 8,
		}

		for _, f := range info.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				rules.TickSize = parseF(f.TickSize)
				rules.MinPrice = parseF(f.MinPrice)
				rules.MaxPrice = parseF(f.MaxPrice)
				rules.PricePrecision = precision.PrecisionFromStepSize(f.TickSize)
			case "LOT_SIZE":
				rules.StepSize = parseF(f.StepSize)
				rules.MinQty = parseF(f.MinQty)
				rules.QuantityPrecision = precision.PrecisionFromStepSize(f.StepSize)
			case "NOTIONAL", "MIN_NOTIONAL":
				rules.MinNotional = parseF(f.MinNotional)
			case "PERCENT_PRICE_BY_SIDE":
				rules.BidMultiplierUp = parseF(f.BidMultiplierUp)
				rules.BidMultiplierDown = parseF(f.BidMultiplierDown)
				rules.AskMultiplierUp = parseF(f.AskMultiplierUp)
				rules.AskMultiplierDown = parseF(f.AskMultiplierDown)
			case "PERCENT_PRICE":
				rules.BidMultiplierUp = parseF(f.MultiplierUp)
				rules.BidMultiplierDown = parseF(f.MultiplierDown)
				rules.AskMultiplierUp = parseF(f.MultiplierUp)
				rules.AskMultiplierDown = parseF(f.MultiplierDown)
			}
		}

		return rules, nil
	}

	return nil, errors.Errorf("exchangeInfo 中未找到交易对 %s", symbol)
}
