package domain

// Balance 单个资产余额
type Balance struct {
	Asset  string  // 资产名，例如 BTC
	Free   float64 // 可用余额
	Locked float64 // 交易所侧冻结余额
}

// Kline K线
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
	Closed    bool // 该K线是否已收盘
}

// SymbolRules 交易对的过滤器规则
// 从 exchangeInfo 解析，用于价格/数量合规与挂单前校验
type SymbolRules struct {
	Symbol            string  // 交易对
	BaseAsset         string  // 基础资产，例如 BTC
	QuoteAsset        string  // 计价资产，例如 USDT
	PricePrecision    int     // 价格小数位（由 tickSize 推导）
	QuantityPrecision int     // 数量小数位（由 stepSize 推导）
	TickSize          float64 // 最小价格增量
	StepSize          float64 // 最小数量增量
	MinPrice          float64 // 最低委托价
	MaxPrice          float64 // 最高委托价
	MinQty            float64 // 最小委托数量
	MinNotional       float64 // 最小名义价值
	// PERCENT_PRICE_BY_SIDE: 委托价相对加权均价的允许区间
	BidMultiplierUp   float64
	BidMultiplierDown float64
	AskMultiplierUp   float64
	AskMultiplierDown float64
}

// PriceInBounds 价格是否落在 PRICE_FILTER 范围内
func (r *SymbolRules) PriceInBounds(price float64) bool {
	if r.MinPrice > 0 && price < r.MinPrice {
		return false
	}
	if r.MaxPrice > 0 && price > r.MaxPrice {
		return false
	}
	return true
}

// MeetsNotional 名义价值是否满足 NOTIONAL 过滤器
func (r *SymbolRules) MeetsNotional(price, qty float64) bool {
	if r.MinNotional <= 0 {
		return true
	}
	return price*qty >= r.MinNotional
}
