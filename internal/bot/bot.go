package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gridbot/gogrid/internal/domain"
	"github.com/gridbot/gogrid/internal/engine"
	"github.com/gridbot/gogrid/internal/events"
	"github.com/gridbot/gogrid/internal/exchange"
	"github.com/gridbot/gogrid/internal/ledger"
	"github.com/gridbot/gogrid/internal/risk"
	"github.com/gridbot/gogrid/internal/services"
	"github.com/gridbot/gogrid/internal/stream"
	"github.com/gridbot/gogrid/pkg/config"
	"github.com/gridbot/gogrid/pkg/sigchan"
	"github.com/gridbot/gogrid/pkg/syncgroup"
)

// Status 机器人整体运行状态
type Status struct {
	Grid        domain.GridStatus `json:"grid"`
	RiskActive  bool              `json:"risk_active"`
	RiskStop    float64           `json:"risk_stop"`
	RiskLimit   float64           `json:"risk_limit"`
	ClockOffset int64             `json:"clock_offset_ms"`
}

// Bot 顶层监督器
// 把调度器、账本、网格引擎、保护层和事件流装配到一起,
// 事件循环负责把推送分发给各消费方
type Bot struct {
	cfg     *config.Config
	client  *exchange.Client
	clock   *exchange.Clock
	ws      *exchange.WSConn // 可为 nil（纯 REST 模式）
	market  *stream.Client   // 可为 nil
	ledger  *ledger.Ledger
	exec    *services.Executor
	engine  *engine.Engine
	overlay *risk.Overlay
	decoder *stream.Decoder
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	sg     *syncgroup.SyncGroup

	// 紧急停机信号（保护腿成交等），供调用方决定是否退出进程
	halted *sigchan.Chan
}

// New 装配机器人
func New(cfg *config.Config, client *exchange.Client, clock *exchange.Clock, ws *exchange.WSConn, market *stream.Client, notifier engine.Notifier) *Bot {
	ctx, cancel := context.WithCancel(context.Background())

	lg := ledger.New(client.Balances, 2*time.Second)
	exec := services.NewExecutor(4, 128)
	eng := engine.New(cfg.Grid, client, lg, exec, notifier)
	overlay := risk.NewOverlay(cfg.Risk, client, lg, exec)

	b := &Bot{
		cfg:     cfg,
		client:  client,
		clock:   clock,
		ws:      ws,
		market:  market,
		ledger:  lg,
		exec:    exec,
		engine:  eng,
		overlay: overlay,
		decoder: stream.NewDecoder(),
		log:     logrus.WithField("component", "bot"),
		ctx:     ctx,
		cancel:  cancel,
		sg:      syncgroup.NewSyncGroup(),
		halted:  sigchan.New(1),
	}

	// 网格包络确定后挂保护单
	eng.OnEnvelopeChange(func(low, high float64) {
		symbol := cfg.Grid.Symbol
		if !exec.Submit("risk_activate", func(ctx context.Context) {
			b.activateOverlay(ctx, symbol, low, high)
		}) {
			b.activateOverlay(b.ctx, symbol, low, high)
		}
	})

	// 保护腿成交触发网格紧急停机
	overlay.OnTrigger(func(reason string) {
		b.engine.Halt(b.ctx, reason)
	})

	// 网格停机后保护单没有存在意义
	eng.OnHalt(func(reason string) {
		if err := b.overlay.Deactivate(b.ctx); err != nil {
			b.log.Warnf("⚠️ 停机后撤销保护单失败: %v", err)
		}
		b.halted.Emit()
	})

	return b
}

// Halted 紧急停机信号
func (b *Bot) Halted() *sigchan.Chan {
	return b.halted
}

func (b *Bot) activateOverlay(ctx context.Context, symbol string, low, high float64) {
	if err := b.overlay.Activate(ctx, symbol, low, high); err != nil {
		b.log.Warnf("⚠️ 挂保护单失败: %v", err)
	}
}

// Start 启动全部组件
func (b *Bot) Start(ctx context.Context) error {
	rules, err := b.client.SymbolRules(ctx, b.cfg.Grid.Symbol)
	if err != nil {
		return fmt.Errorf("获取交易对规则失败: %w", err)
	}
	b.overlay.SetRules(rules)

	b.exec.Start()

	if b.market != nil {
		if err := b.market.Subscribe(stream.SymbolStreams(b.cfg.Grid.Symbol)...); err != nil {
			b.log.Warnf("⚠️ 订阅行情流失败: %v", err)
		}
	}
	if b.ws != nil {
		if err := b.client.SubscribeUserStream(ctx); err != nil {
			b.log.Warnf("⚠️ 订阅账户数据流失败, 依赖周期对账兜底: %v", err)
		}
	}

	if err := b.engine.Start(ctx); err != nil {
		return fmt.Errorf("启动网格引擎失败: %w", err)
	}

	b.sg.Add(b.eventLoop)
	b.sg.Add(func() { b.overlay.Run(b.ctx) })
	b.sg.Add(func() {
		b.clock.Run(b.ctx, time.Duration(b.cfg.Dispatcher.ResyncIntervalMin)*time.Minute)
	})
	b.sg.Run()

	b.log.Info("✅ 机器人已启动")
	return nil
}

// Stop 按序停机：引擎撤单 → 保护单撤销 → 后台循环退出
func (b *Bot) Stop(ctx context.Context) {
	b.engine.Stop(ctx)
	if err := b.overlay.Deactivate(ctx); err != nil {
		b.log.Warnf("⚠️ 撤销保护单失败: %v", err)
	}

	b.cancel()
	b.sg.Wait()
	b.exec.Stop()

	b.log.Info("机器人已停止")
}

// Status 聚合运行状态
func (b *Bot) Status() Status {
	grid := b.engine.Status()
	grid.RiskActive = b.overlay.IsActive()
	grid.RiskStopPrice = b.overlay.StopPrice()
	grid.RiskLimitPrice = b.overlay.LimitPrice()

	return Status{
		Grid:        grid,
		RiskActive:  grid.RiskActive,
		RiskStop:    grid.RiskStopPrice,
		RiskLimit:   grid.RiskLimitPrice,
		ClockOffset: b.clock.Offset(),
	}
}

// SetSymbol 切换交易对：换订阅、换规则、重启引擎
func (b *Bot) SetSymbol(ctx context.Context, symbol string) error {
	old := b.cfg.Grid.Symbol

	rules, err := b.client.SymbolRules(ctx, symbol)
	if err != nil {
		return fmt.Errorf("获取交易对规则失败: %w", err)
	}

	if err := b.overlay.Deactivate(ctx); err != nil {
		b.log.Warnf("⚠️ 撤销保护单失败: %v", err)
	}
	b.overlay.SetRules(rules)

	if b.market != nil {
		if err := b.market.Unsubscribe(stream.SymbolStreams(old)...); err != nil {
			b.log.Warnf("⚠️ 退订 %s 行情失败: %v", old, err)
		}
		if err := b.market.Subscribe(stream.SymbolStreams(symbol)...); err != nil {
			b.log.Warnf("⚠️ 订阅 %s 行情失败: %v", symbol, err)
		}
	}

	if err := b.engine.SetSymbol(ctx, symbol); err != nil {
		return err
	}
	b.cfg.Grid.Symbol = symbol
	b.log.Infof("✅ 已切换交易对: %s → %s", old, symbol)
	return nil
}

// eventLoop 消费行情流和 WS-API 推送, 解码后分发
func (b *Bot) eventLoop() {
	var marketCh, pushCh <-chan events.Raw
	if b.market != nil {
		marketCh = b.market.Out()
	}
	if b.ws != nil {
		pushCh = b.ws.Push()
	}

	for {
		select {
		case <-b.ctx.Done():
			return
		case raw, ok := <-marketCh:
			if !ok {
				marketCh = nil
				continue
			}
			b.dispatch(b.decoder.Decode(raw))
		case raw, ok := <-pushCh:
			if !ok {
				pushCh = nil
				continue
			}
			b.dispatch(b.decoder.Decode(raw))
		}
	}
}

// dispatch 把类型化事件分发给消费方
func (b *Bot) dispatch(ev events.Event) {
	switch ev.Type {
	case events.TypePriceTick:
		b.engine.HandlePriceTick(ev.Tick.Symbol, ev.Tick.Price)
		b.overlay.HandlePriceTick(ev.Tick.Symbol, ev.Tick.Price)
	case events.TypeKline:
		// 收盘K线也当作一次价格更新
		if ev.Kline.Kline.Closed && ev.Kline.Kline.Close > 0 {
			b.engine.HandlePriceTick(ev.Kline.Symbol, ev.Kline.Kline.Close)
		}
	case events.TypeOrderUpdate:
		b.engine.HandleOrderUpdate(ev.Order)
		b.overlay.HandleOrderUpdate(ev.Order)
	case events.TypeOCOReport:
		b.overlay.HandleOCOReport(ev.OCO)
	case events.TypeBalanceUpdate:
		// 推送只做失效通知, 真实余额仍以查询为准
		b.exec.Submit("ledger_refresh", func(ctx context.Context) {
			if err := b.ledger.Refresh(ctx, true); err != nil {
				b.log.Warnf("⚠️ 余额刷新失败: %v", err)
			}
		})
	case events.TypeRaw:
		// 未识别的推送帧, 调试级记录后忽略
		b.log.Debugf("忽略未识别推送: stream=%s", ev.Raw.Stream)
	}
}
