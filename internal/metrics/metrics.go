package metrics

import "expvar"

var (
	ClockResyncs     = expvar.NewInt("clock_resyncs")
	ChannelFallbacks = expvar.NewInt("channel_fallbacks")
	TimestampRetries = expvar.NewInt("timestamp_retries")
	OrdersPlaced     = expvar.NewInt("orders_placed")
	OrdersCanceled   = expvar.NewInt("orders_canceled")
	FillsHandled     = expvar.NewInt("fills_handled")
	GridRecalcs      = expvar.NewInt("grid_recalcs")
	ReconcileRuns    = expvar.NewInt("reconcile_runs")
	ReconcileErrors  = expvar.NewInt("reconcile_errors")
	RiskReplacements = expvar.NewInt("risk_replacements")
	ExecutorDrops    = expvar.NewInt("executor_drops")
)
