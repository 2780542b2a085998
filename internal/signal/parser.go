package signal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-trader/internal/config"
	"signal-trader/internal/trading"
)

const (
	defaultSource    = "text"
	maxRawTextInMeta = 512
)

// Strategy 标识命中的解析策略。
type Strategy string

const (
	StrategyStandard Strategy = "standard"
	StrategyEmoji    Strategy = "emoji"
	StrategyLabeled  Strategy = "labeled"
	StrategyTimed    Strategy = "timed"
	StrategySimple   Strategy = "simple"
	StrategyKeyword  Strategy = "keyword"
)

// fields 为某个策略抽取出的原始字段。
type fields struct {
	asset     string
	direction string
	amount    string
	duration  string
	unit      string
	clock     string
}

type strategy struct {
	name    Strategy
	extract func(text string) []fields
}

// Option 自定义 Parser。
type Option func(*Parser)

// WithClock 替换时间源，测试中用于固定当前时间。
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// Parser 将自由文本转换为交易意图。
type Parser struct {
	cfg        config.TradingConfig
	allowed    map[string]struct{}
	location   *time.Location
	strategies []strategy
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	stats Stats
}

// Stats 汇总解析计数。
type Stats struct {
	Attempts   int              `json:"attempts"`
	Ignored    int              `json:"ignored"`
	ByStrategy map[Strategy]int `json:"by_strategy"`
}

// NewParser 创建解析器。
func NewParser(cfg config.TradingConfig, logger *zap.Logger, opts ...Option) (*Parser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinAmount > cfg.MaxAmount {
		return nil, fmt.Errorf("signal: 金额区间非法 min=%.2f max=%.2f", cfg.MinAmount, cfg.MaxAmount)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("signal: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedAssets))
	assets := make([]string, 0, len(cfg.AllowedAssets))
	for _, asset := range cfg.AllowedAssets {
		asset = strings.ToUpper(strings.TrimSpace(asset))
		if asset == "" {
			continue
		}
		allowed[asset] = struct{}{}
		assets = append(assets, asset)
	}
	cfg.AllowedAssets = assets

	p := &Parser{
		cfg:      cfg,
		allowed:  allowed,
		location: loc,
		logger:   logger.Named("signal"),
		now:      time.Now,
		stats:    Stats{ByStrategy: make(map[Strategy]int)},
	}
	p.strategies = []strategy{
		{name: StrategyStandard, extract: regexStrategy(standardPattern)},
		{name: StrategyEmoji, extract: regexStrategy(emojiPattern)},
		{name: StrategyLabeled, extract: labeledStrategy},
		{name: StrategyTimed, extract: regexStrategy(timedPattern)},
		{name: StrategySimple, extract: regexStrategy(simplePattern)},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Parse 按固定优先级尝试各策略，第一个产生合法资产与方向的匹配胜出；
// 全部失败时执行关键词兜底。无法识别时返回 false，不产生任何副作用。
func (p *Parser) Parse(text string) (intent trading.TradeIntent, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("解析信号时发生异常", zap.Any("panic", r))
			intent, ok = trading.TradeIntent{}, false
		}
		p.count(intent, ok)
	}()

	normalized := normalizeText(text)
	if normalized == "" {
		return trading.TradeIntent{}, false
	}

	for _, s := range p.strategies {
		for _, f := range s.extract(normalized) {
			intent, ok := p.build(f, normalized, s.name)
			if ok {
				return intent, true
			}
		}
	}

	if intent, ok := p.keyword(normalized); ok {
		return intent, true
	}

	p.logger.Debug("未识别的信号文本", zap.String("text", truncate(normalized, 100)))
	return trading.TradeIntent{}, false
}

// Stats 返回解析计数快照。
func (p *Parser) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Stats{Attempts: p.stats.Attempts, Ignored: p.stats.Ignored, ByStrategy: make(map[Strategy]int, len(p.stats.ByStrategy))}
	for k, v := range p.stats.ByStrategy {
		out.ByStrategy[k] = v
	}
	return out
}

// AllowedAssets 返回资产白名单。
func (p *Parser) AllowedAssets() []string {
	return append([]string(nil), p.cfg.AllowedAssets...)
}

func (p *Parser) count(intent trading.TradeIntent, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.Attempts++
	if !ok {
		p.stats.Ignored++
		return
	}
	p.stats.ByStrategy[Strategy(intent.Metadata["strategy"])]++
}

func regexStrategy(re *regexp.Regexp) func(string) []fields {
	return func(text string) []fields {
		matches := re.FindAllStringSubmatch(text, -1)
		out := make([]fields, 0, len(matches))
		for _, match := range matches {
			groups := namedGroups(re, match)
			out = append(out, fields{
				asset:     groups["asset"],
				direction: groups["direction"],
				amount:    groups["amount"],
				duration:  groups["duration"],
				unit:      groups["unit"],
				clock:     groups["time"],
			})
		}
		return out
	}
}

func labeledStrategy(text string) []fields {
	asset := firstGroup(labelAssetPattern, text, "asset")
	direction := firstGroup(labelDirectionPattern, text, "direction")
	if asset == "" || direction == "" {
		return nil
	}

	f := fields{
		asset:     asset,
		direction: direction,
		amount:    firstGroup(labelAmountPattern, text, "amount"),
		clock:     firstGroup(labelTimePattern, text, "time"),
	}
	if match := labelDurationPattern.FindStringSubmatch(text); match != nil {
		groups := namedGroups(labelDurationPattern, match)
		f.duration = groups["duration"]
		f.unit = groups["unit"]
	}
	return []fields{f}
}

// build 归一化策略字段；资产不在白名单或方向无法识别时返回 false，由下一个策略继续尝试。
func (p *Parser) build(f fields, text string, name Strategy) (trading.TradeIntent, bool) {
	asset := strings.ToUpper(f.asset)
	if _, ok := p.allowed[asset]; !ok {
		p.logger.Debug("资产不在白名单", zap.String("asset", asset), zap.String("strategy", string(name)))
		return trading.TradeIntent{}, false
	}

	direction, ok := trading.ParseDirection(f.direction)
	if !ok {
		return trading.TradeIntent{}, false
	}

	amount := p.cfg.DefaultAmount
	if f.amount != "" {
		value, err := strconv.ParseFloat(f.amount, 64)
		if err != nil {
			return trading.TradeIntent{}, false
		}
		amount = value
	}

	duration := p.cfg.DefaultDuration
	if f.duration != "" {
		parsed, ok := parseDuration(f.duration, f.unit)
		if !ok {
			return trading.TradeIntent{}, false
		}
		duration = parsed
	}

	intent := p.newIntent(asset, direction, amount, duration, text, name)
	if f.clock != "" {
		intent.ScheduledAt = p.resolveClock(f.clock)
	}
	return intent, true
}

// keyword 在全文搜索白名单资产与方向关键词，数字按范围启发式归类。
func (p *Parser) keyword(text string) (trading.TradeIntent, bool) {
	upper := strings.ToUpper(text)

	asset := ""
	for _, candidate := range p.cfg.AllowedAssets {
		if strings.Contains(upper, candidate) {
			asset = candidate
			break
		}
	}
	if asset == "" {
		return trading.TradeIntent{}, false
	}

	direction, ok := keywordDirection(text)
	if !ok {
		return trading.TradeIntent{}, false
	}

	amount, duration := p.classifyNumbers(text)
	return p.newIntent(asset, direction, amount, duration, text, StrategyKeyword), true
}

func keywordDirection(text string) (trading.Direction, bool) {
	best := -1
	var direction trading.Direction

	consider := func(pos int, d trading.Direction) {
		if pos >= 0 && (best < 0 || pos < best) {
			best = pos
			direction = d
		}
	}

	if loc := upKeywordPattern.FindStringIndex(text); loc != nil {
		consider(loc[0], trading.DirectionUp)
	}
	if loc := downKeywordPattern.FindStringIndex(text); loc != nil {
		consider(loc[0], trading.DirectionDown)
	}
	for _, e := range upEmojis {
		consider(strings.Index(text, e), trading.DirectionUp)
	}
	for _, e := range downEmojis {
		consider(strings.Index(text, e), trading.DirectionDown)
	}
	return direction, best >= 0
}

// classifyNumbers 处理关键词兜底中的数字：百分数视为置信度跳过；带单位的是时长；
// 带 $ 的是金额；其余第一个落在 1~1000 的数作为金额，之后的裸数按时长规则换算。
func (p *Parser) classifyNumbers(text string) (float64, time.Duration) {
	amount := p.cfg.DefaultAmount
	duration := p.cfg.DefaultDuration
	amountSet, durationSet := false, false

	text = clockPattern.ReplaceAllString(text, " ")
	for _, match := range numberPattern.FindAllStringSubmatch(text, -1) {
		dollar, raw, suffix := match[1], match[2], match[3]
		if suffix == "%" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}

		switch {
		case suffix != "":
			if !durationSet {
				if d, ok := parseDuration(raw, suffix); ok {
					duration, durationSet = d, true
				}
			}
		case dollar != "":
			if !amountSet {
				amount, amountSet = value, true
			}
		case !amountSet && value >= 1 && value <= 1000:
			amount, amountSet = value, true
		case !durationSet && value >= 1 && value <= 3600:
			if d, ok := parseDuration(raw, ""); ok {
				duration, durationSet = d, true
			}
		}
	}
	return amount, duration
}

func (p *Parser) newIntent(asset string, direction trading.Direction, amount float64, duration time.Duration, text string, name Strategy) trading.TradeIntent {
	now := p.now()
	intent := trading.TradeIntent{
		ID:         trading.NewIntentID(),
		Asset:      asset,
		Direction:  direction,
		Amount:     p.clampAmount(amount),
		Duration:   duration,
		Confidence: extractConfidence(text),
		Source:     defaultSource,
		ReceivedAt: now,
		Metadata: map[string]string{
			"strategy": string(name),
			"raw_text": truncate(text, maxRawTextInMeta),
		},
	}
	p.logger.Info("解析到交易信号",
		zap.String("asset", intent.Asset),
		zap.String("direction", string(intent.Direction)),
		zap.Float64("amount", intent.Amount),
		zap.Duration("duration", intent.Duration),
		zap.String("strategy", string(name)),
	)
	return intent
}

func (p *Parser) clampAmount(amount float64) float64 {
	if amount < p.cfg.MinAmount {
		return p.cfg.MinAmount
	}
	if amount > p.cfg.MaxAmount {
		return p.cfg.MaxAmount
	}
	return amount
}

// resolveClock 将时刻解析为配置时区中的下一次出现；时刻非法时返回零值。
func (p *Parser) resolveClock(clock string) time.Time {
	parts := strings.Split(clock, ":")
	if len(parts) < 2 {
		return time.Time{}
	}
	values := make([]int, 3)
	for i, part := range parts {
		if i >= 3 {
			return time.Time{}
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return time.Time{}
		}
		values[i] = v
	}
	hour, minute, second := values[0], values[1], values[2]
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}
	}

	now := p.now().In(p.location)
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, second, 0, p.location)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}
	return at
}

// parseDuration 换算时长：单位取首字母 M/H/S，缺省为分钟；裸数大于 60 视为秒。
func parseDuration(raw, unit string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	unit = strings.ToUpper(strings.TrimSpace(unit))

	// 兼容 "5M" 这类数字与单位连写的 token
	if unit == "" {
		if n := len(raw); n > 0 {
			last := raw[n-1]
			if last < '0' || last > '9' {
				unit = strings.ToUpper(raw[n-1:])
				raw = raw[:n-1]
			}
		}
	}

	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, false
	}

	switch {
	case unit == "":
		if value > 60 {
			return time.Duration(value) * time.Second, true
		}
		return time.Duration(value) * time.Minute, true
	case strings.HasPrefix(unit, "M"):
		return time.Duration(value) * time.Minute, true
	case strings.HasPrefix(unit, "H"):
		return time.Duration(value) * time.Hour, true
	case strings.HasPrefix(unit, "S"):
		return time.Duration(value) * time.Second, true
	default:
		return 0, false
	}
}

func extractConfidence(text string) *int {
	for _, re := range confidencePatterns {
		match := re.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		value, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if value >= 0 && value <= 100 {
			return &value
		}
	}
	return nil
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
