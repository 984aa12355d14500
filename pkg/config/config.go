package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ExchangeConfig 交易所连接与认证配置
type ExchangeConfig struct {
	APIKey         string `yaml:"api_key"`          // API Key
	APISecret      string `yaml:"api_secret"`       // HMAC secret（与私钥二选一）
	PrivateKeyPath string `yaml:"private_key_path"` // Ed25519 私钥文件路径（优先于 HMAC）
	PrivateKeyPass string `yaml:"private_key_pass"` // 私钥密码（可选）
	UseTestnet     bool   `yaml:"use_testnet"`      // 是否使用测试网络

	RESTBaseURL string `yaml:"rest_base_url"` // REST 基础地址（可覆盖）
	WSAPIURL    string `yaml:"ws_api_url"`    // WebSocket API 地址（可覆盖）
	StreamURL   string `yaml:"stream_url"`    // 行情/账户推送流地址（可覆盖）
}

// HasCredential 是否配置了可用的签名凭证
func (c *ExchangeConfig) HasCredential() bool {
	return c.APIKey != "" && (c.APISecret != "" || c.PrivateKeyPath != "")
}

// DispatcherConfig 请求分发器配置
type DispatcherConfig struct {
	PreferStreaming     bool `yaml:"prefer_streaming"`      // 优先使用流式通道
	TimestampMarginMs   int  `yaml:"timestamp_margin_ms"`   // 时间戳安全边际（毫秒），默认500
	RetryMarginMs       int  `yaml:"retry_margin_ms"`       // 时钟偏移重试时的保守边际（毫秒），默认1000
	ResyncIntervalMin   int  `yaml:"resync_interval_min"`   // 周期性时钟同步间隔（分钟），默认10
	ResyncSamples       int  `yaml:"resync_samples"`        // 每次同步采样的往返次数，默认5
	MaxResyncAttempts   int  `yaml:"max_resync_attempts"`   // 时间戳被拒后的最大强制同步次数，默认3
	RequestTimeoutSec   int  `yaml:"request_timeout_sec"`   // 单次请求超时（秒），默认10
	RequestsPerSecond   int  `yaml:"requests_per_second"`   // 令牌桶速率限制（每秒请求数），默认10
	PingIntervalSec     int  `yaml:"ping_interval_sec"`     // 流式通道心跳间隔（秒），默认20
	ReconnectMaxRetries int  `yaml:"reconnect_max_retries"` // 流式通道最大重连次数，默认5
}

// GridConfig 网格策略配置
type GridConfig struct {
	Symbol                 string  `yaml:"symbol"`                   // 交易对，例如 BTCUSDT
	Levels                 int     `yaml:"levels"`                   // 网格层数
	RangePercent           float64 `yaml:"range_percent"`            // 网格总范围（百分比），默认8
	CoreCapitalRatio       float64 `yaml:"core_capital_ratio"`       // 核心区域占用资金比例，默认0.7
	CoreGridRatio          float64 `yaml:"core_grid_ratio"`          // 核心区域的网格点比例，默认0.6
	EdgeSpacingRatio       float64 `yaml:"edge_spacing_ratio"`       // 边缘区域几何间距比例，默认1.2
	MinOrderValue          float64 `yaml:"min_order_value"`          // 最小订单价值（USDT），默认6
	FeeRatePercent         float64 `yaml:"fee_rate_percent"`         // 单边手续费率（百分比），默认0.075
	ProfitMarginMultiplier float64 `yaml:"profit_margin_multiplier"` // 盈利与往返手续费的倍数要求，默认2.0
	BuySellSpreadPercent   float64 `yaml:"buy_sell_spread_percent"`  // 反向挂单价差（百分比），默认1.5
	RecalcIntervalHours    int     `yaml:"recalc_interval_hours"`    // 全量重算网格的周期（小时），默认48
	MaxOrderAgeHours       int     `yaml:"max_order_age_hours"`      // 订单最大存在时间（小时），默认24
	PriceDeviationPct      float64 `yaml:"price_deviation_pct"`      // 判定订单过时的价格偏离阈值（小数），默认0.03
	ATRPeriod              int     `yaml:"atr_period"`               // ATR 计算周期，默认14
	MaintenanceIntervalSec int     `yaml:"maintenance_interval_sec"` // 周期维护间隔（秒），默认60
}

// Validate 验证网格配置
func (c *GridConfig) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("交易对 symbol 不能为空")
	}
	if c.Levels < 3 {
		return fmt.Errorf("网格层数 levels 必须至少为3，当前值: %d", c.Levels)
	}
	if c.RangePercent <= 0 {
		return fmt.Errorf("网格范围 range_percent 必须大于0，当前值: %v", c.RangePercent)
	}
	if c.CoreCapitalRatio <= 0 || c.CoreCapitalRatio >= 1 {
		return fmt.Errorf("核心资金比例 core_capital_ratio 必须在0和1之间，当前值: %v", c.CoreCapitalRatio)
	}
	if c.CoreGridRatio <= 0 || c.CoreGridRatio >= 1 {
		return fmt.Errorf("核心网格比例 core_grid_ratio 必须在0和1之间，当前值: %v", c.CoreGridRatio)
	}
	if c.MinOrderValue <= 0 {
		return fmt.Errorf("最小订单价值 min_order_value 必须大于0，当前值: %v", c.MinOrderValue)
	}
	if c.EdgeSpacingRatio <= 1 {
		return fmt.Errorf("边缘间距比例 edge_spacing_ratio 必须大于1，当前值: %v", c.EdgeSpacingRatio)
	}
	return nil
}

// RiskConfig 风险管理配置
type RiskConfig struct {
	StopLossPercent       float64 `yaml:"stop_loss_percent"`       // 追踪止损百分比，默认4.5
	TakeProfitPercent     float64 `yaml:"take_profit_percent"`     // 追踪止盈百分比，默认1.5
	UpdateThresholdPct    float64 `yaml:"update_threshold_pct"`    // 触发挂单更新的最小价格变化（百分比），默认0.5
	UpdateIntervalMin     float64 `yaml:"update_interval_min"`     // 两次挂单更新的最小间隔（分钟），默认10
	GridReserveRatio      float64 `yaml:"grid_reserve_ratio"`      // 为网格保留的基础资产比例，默认0.5
	VolatilityIntervalMin int     `yaml:"volatility_interval_min"` // 波动率采样间隔（分钟），默认30
	VolatilityThreshold   float64 `yaml:"volatility_threshold"`    // ATR/价格 比例阈值，超过则收紧，默认0.02
	PercentPriceMargin    float64 `yaml:"percent_price_margin"`    // 百分比价格过滤器的额外安全边际，默认0.9
}

// Validate 验证风险配置
func (c *RiskConfig) Validate() error {
	if c.StopLossPercent <= 0 {
		return fmt.Errorf("止损百分比 stop_loss_percent 必须大于0，当前值: %v", c.StopLossPercent)
	}
	if c.TakeProfitPercent <= 0 {
		return fmt.Errorf("止盈百分比 take_profit_percent 必须大于0，当前值: %v", c.TakeProfitPercent)
	}
	if c.GridReserveRatio < 0 || c.GridReserveRatio >= 1 {
		return fmt.Errorf("网格保留比例 grid_reserve_ratio 必须在[0,1)之间，当前值: %v", c.GridReserveRatio)
	}
	return nil
}

// Config 应用配置
type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Grid       GridConfig       `yaml:"grid"`
	Risk       RiskConfig       `yaml:"risk"`

	LogLevel string `yaml:"log_level"` // 日志级别
	LogFile  string `yaml:"log_file"`  // 日志文件路径（可选）
	DryRun   bool   `yaml:"dry_run"`   // 纸交易模式：不发送真实订单
}

// Default 返回带默认值的配置
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			RESTBaseURL: "https://api.binance.com",
			WSAPIURL:    "wss://ws-api.binance.com:443/ws-api/v3",
			StreamURL:   "wss://stream.binance.com:9443/ws",
		},
		Dispatcher: DispatcherConfig{
			PreferStreaming:     true,
			TimestampMarginMs:   500,
			RetryMarginMs:       1000,
			ResyncIntervalMin:   10,
			ResyncSamples:       5,
			MaxResyncAttempts:   3,
			RequestTimeoutSec:   10,
			RequestsPerSecond:   10,
			PingIntervalSec:     20,
			ReconnectMaxRetries: 5,
		},
		Grid: GridConfig{
			Symbol:                 "BTCUSDT",
			Levels:                 10,
			RangePercent:           8,
			CoreCapitalRatio:       0.7,
			CoreGridRatio:          0.6,
			EdgeSpacingRatio:       1.2,
			MinOrderValue:          6,
			FeeRatePercent:         0.075,
			ProfitMarginMultiplier: 2.0,
			BuySellSpreadPercent:   1.5,
			RecalcIntervalHours:    48,
			MaxOrderAgeHours:       24,
			PriceDeviationPct:      0.03,
			ATRPeriod:              14,
			MaintenanceIntervalSec: 60,
		},
		Risk: RiskConfig{
			StopLossPercent:       4.5,
			TakeProfitPercent:     1.5,
			UpdateThresholdPct:    0.5,
			UpdateIntervalMin:     10,
			GridReserveRatio:      0.5,
			VolatilityIntervalMin: 30,
			VolatilityThreshold:   0.02,
			PercentPriceMargin:    0.9,
		},
		LogLevel: "info",
	}
}

// Load 从文件加载配置（支持 .env 叠加和环境变量覆盖）
func Load(path string) (*Config, error) {
	// .env 文件不存在时静默忽略
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Exchange.UseTestnet {
		if !strings.Contains(cfg.Exchange.RESTBaseURL, "testnet") {
			cfg.Exchange.RESTBaseURL = "https://testnet.binance.vision"
		}
		if !strings.Contains(cfg.Exchange.WSAPIURL, "testnet") {
			cfg.Exchange.WSAPIURL = "wss://testnet.binance.vision/ws-api/v3"
		}
		if !strings.Contains(cfg.Exchange.StreamURL, "testnet") {
			cfg.Exchange.StreamURL = "wss://testnet.binance.vision/ws"
		}
	}

	return cfg, nil
}

// applyEnvOverrides 敏感凭证优先从环境变量读取
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := os.Getenv("API_SECRET"); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		cfg.Exchange.PrivateKeyPath = v
	}
	if v := os.Getenv("PRIVATE_KEY_PASS"); v != "" && v != "None" {
		cfg.Exchange.PrivateKeyPass = v
	}
	if v := os.Getenv("SYMBOL"); v != "" {
		cfg.Grid.Symbol = strings.ToUpper(v)
	}
	if v := os.Getenv("USE_TESTNET"); v != "" {
		cfg.Exchange.UseTestnet = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("DRY_RUN"); v != "" {
		cfg.DryRun = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("GRID_LEVELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Grid.Levels = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
}

// Validate 验证整体配置
func (c *Config) Validate() error {
	if !c.DryRun && !c.Exchange.HasCredential() {
		return fmt.Errorf("未配置可用的API凭证（api_key + api_secret 或 private_key_path），且未启用 dry_run")
	}
	if err := c.Grid.Validate(); err != nil {
		return err
	}
	if err := c.Risk.Validate(); err != nil {
		return err
	}
	return nil
}
