package domain

import (
	"time"
)

// GridLevel 单个网格点
// 不变式：OrderID 非零时 Capital 必须已在资金账本中锁定；
// OrderID 为零时不得持有任何锁定
type GridLevel struct {
	Price    float64   // 网格价格
	Side     Side      // 挂单方向
	Capital  float64   // 该层预留的计价资产金额
	OrderID  int64     // 交易所订单 ID，0 表示无挂单
	PlacedAt time.Time // 挂单时间，零值表示无挂单
}

// HasOrder 该层是否有活跃挂单
func (l *GridLevel) HasOrder() bool {
	return l.OrderID != 0
}

// ClearOrder 清除挂单关联（订单终结或消失时调用）
func (l *GridLevel) ClearOrder() {
	l.OrderID = 0
	l.PlacedAt = time.Time{}
}

// GridStatus 网格引擎的运行状态快照
type GridStatus struct {
	Symbol         string    // 交易对
	Running        bool      // 是否运行中
	CenterPrice    float64   // 网格中心价格
	LowerBound     float64   // 最低网格价
	UpperBound     float64   // 最高网格价
	Levels         int       // 网格总层数
	ActiveOrders   int       // 活跃挂单数
	FilledBuys     int64     // 累计买入成交
	FilledSells    int64     // 累计卖出成交
	LastRecalc     time.Time // 上次全量重算时间
	RiskActive     bool      // 风险保护单是否激活
	RiskStopPrice  float64   // 当前止损触发价
	RiskLimitPrice float64   // 当前止盈委托价
}
