package engine

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/gridbot/gogrid/internal/domain"
)

// LevelParams 网格构建输入
type LevelParams struct {
	Price           float64 // 当前市场价
	RangeFrac       float64 // 网格总范围（小数，如 0.10）
	CoreCapitalFrac float64 // 核心区资金占比（如 0.7）
	CoreGridFrac    float64 // 核心区网格点占比（如 0.6）
	EdgeRatio       float64 // 边缘区几何间距比例（如 1.2）
	Levels          int     // 总层数
	CapitalPerLevel float64 // 每层基础资金
	Trend           float64 // 趋势信号（正值偏多，负值偏空）
}

// 核心区边缘的资金系数；边缘区取其 80%
const (
	coreEdgeCapitalFactor = 0.7
	edgeCapitalFactor     = 0.8 * coreEdgeCapitalFactor
)

// sigmoidDamp 把任意趋势信号压缩到 (-1, 1)
func sigmoidDamp(trend float64) float64 {
	return 2/(1+math.Exp(-trend)) - 1
}

// BuildLevels 构建双边网格
//
// 核心区以当前价为中心，半宽 = (1-核心资金占比)×范围×价格，
// 中心可被阻尼后的趋势信号有界偏移；买卖两侧分别构建，
// 保证结果必然同时包含买单层和卖单层。
func BuildLevels(p LevelParams) ([]domain.GridLevel, error) {
	if p.Price <= 0 {
		return nil, errors.Errorf("非法价格 %v", p.Price)
	}
	if p.Levels < 3 {
		return nil, errors.Errorf("层数 %d 过少", p.Levels)
	}
	if p.EdgeRatio <= 1 {
		p.EdgeRatio = 1.2
	}

	lower := p.Price * (1 - p.RangeFrac)
	upper := p.Price * (1 + p.RangeFrac)
	halfWidth := (1 - p.CoreCapitalFrac) * p.RangeFrac * p.Price

	// 趋势偏移：阻尼信号 × 到较近边界距离的80% × 50%安全系数，
	// 再限制在半宽的80%以内，核心区永远碰不到外边界
	boundaryRoom := math.Min(upper-(p.Price+halfWidth), (p.Price-halfWidth)-lower)
	maxShift := math.Min(0.8*boundaryRoom*0.5, 0.8*halfWidth)
	if maxShift < 0 {
		maxShift = 0
	}
	shift := sigmoidDamp(p.Trend) * maxShift
	center := p.Price + shift

	coreCount := int(math.Round(float64(p.Levels) * p.CoreGridFrac))
	if coreCount < 2 {
		coreCount = 2
	}
	if coreCount > p.Levels {
		coreCount = p.Levels
	}
	coreBuy := coreCount / 2
	if coreBuy < 1 {
		coreBuy = 1
	}
	coreSell := coreCount - coreBuy
	if coreSell < 1 {
		coreSell = 1
		coreBuy = coreCount - 1
	}

	edgeCount := p.Levels - coreCount
	edgeBuy := edgeCount / 2
	edgeSell := edgeCount - edgeBuy

	coreLow := center - halfWidth
	coreHigh := center + halfWidth

	levels := make([]domain.GridLevel, 0, p.Levels)

	// 核心买入层：从现价向下均匀铺到核心区下沿，
	// 资金系数从 1.0 线性衰减到核心边缘系数
	buySpan := p.Price - coreLow
	for i := 1; i <= coreBuy; i++ {
		frac := float64(i) / float64(coreBuy)
		levels = append(levels, domain.GridLevel{
			Price:   p.Price - buySpan*frac,
			Side:    domain.SideBuy,
			Capital: p.CapitalPerLevel * (1 - (1-coreEdgeCapitalFactor)*frac),
		})
	}

	// 核心卖出层：从现价向上均匀铺到核心区上沿
	sellSpan := coreHigh - p.Price
	for i := 1; i <= coreSell; i++ {
		frac := float64(i) / float64(coreSell)
		levels = append(levels, domain.GridLevel{
			Price:   p.Price + sellSpan*frac,
			Side:    domain.SideSell,
			Capital: p.CapitalPerLevel * (1 - (1-coreEdgeCapitalFactor)*frac),
		})
	}

	// 边缘层：核心区外几何间距扩展，资金系数固定
	gap := buySpan / float64(coreBuy)
	price := coreLow
	for i := 0; i < edgeBuy; i++ {
		gap *= p.EdgeRatio
		price -= gap
		if price <= lower {
			price = lower
		}
		levels = append(levels, domain.GridLevel{
			Price:   price,
			Side:    domain.SideBuy,
			Capital: p.CapitalPerLevel * edgeCapitalFactor,
		})
		if price == lower {
			break
		}
	}

	gap = sellSpan / float64(coreSell)
	price = coreHigh
	for i := 0; i < edgeSell; i++ {
		gap *= p.EdgeRatio
		price += gap
		if price >= upper {
			price = upper
		}
		levels = append(levels, domain.GridLevel{
			Price:   price,
			Side:    domain.SideSell,
			Capital: p.CapitalPerLevel * edgeCapitalFactor,
		})
		if price == upper {
			break
		}
	}

	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })

	if err := validateLevels(levels, p.Price); err != nil {
		return nil, err
	}
	return levels, nil
}

// validateLevels 校验构建结果：双边齐备、价格互异且升序、全部为正
func validateLevels(levels []domain.GridLevel, price float64) error {
	var hasBuy, hasSell bool
	for i, l := range levels {
		if l.Price <= 0 {
			return errors.Errorf("第 %d 层价格非法: %v", i, l.Price)
		}
		if i > 0 && levels[i].Price <= levels[i-1].Price {
			return errors.Errorf("第 %d 层价格 %v 未严格递增", i, l.Price)
		}
		if l.Side == domain.SideBuy {
			if l.Price >= price {
				return errors.Errorf("买入层价格 %v 不低于现价 %v", l.Price, price)
			}
			hasBuy = true
		} else {
			if l.Price <= price {
				return errors.Errorf("卖出层价格 %v 不高于现价 %v", l.Price, price)
			}
			hasSell = true
		}
	}
	if !hasBuy || !hasSell {
		return errors.New("网格缺少买入层或卖出层")
	}
	return nil
}

// Envelope 网格价格包络（最低和最高层价格）
func Envelope(levels []domain.GridLevel) (low, high float64) {
	if len(levels) == 0 {
		return 0, 0
	}
	return levels[0].Price, levels[len(levels)-1].Price
}

// SizeCapital 动态资金配置
// 可部署资金 = 可用计价资产 + 按现价折算的可用基础资产；
// 层数在资金压力下自动收缩到仍能满足最小订单价值的最大值
func SizeCapital(freeQuote, freeBase, price float64, cfgLevels int, minOrderValue float64) (levels int, perLevel float64) {
	deployable := freeQuote + freeBase*price
	if minOrderValue <= 0 || deployable < minOrderValue || cfgLevels <= 0 {
		return 0, 0
	}

	levels = cfgLevels
	if affordable := int(deployable / minOrderValue); affordable < levels {
		levels = affordable
	}
	return levels, deployable / float64(levels)
}
