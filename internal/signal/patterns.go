package signal

import (
	"regexp"
	"strings"
)

const directionWords = `CALL|PUT|BUY|SELL|UP|DOWN`

const unitWords = `MINUTES?|MINS?|M|HOURS?|HRS?|H|SECONDS?|SECS?|S`

// durationGroup 匹配数字及可选单位，单位缺省时数字后必须是词边界。
const durationGroup = `(?P<duration>\d+)(?:\s*(?P<unit>` + unitWords + `)\b|\b)`

var (
	// 结构化策略，按优先级排列
	standardPattern = regexp.MustCompile(
		`(?i)\b(?P<asset>[A-Z]{6})\s+(?P<direction>` + directionWords + `)\b\s*` +
			`(?:\$?(?P<amount>\d+(?:\.\d+)?)\s+)?` + durationGroup)

	emojiPattern = regexp.MustCompile(
		`(?i)\b(?P<asset>[A-Z]{6})\s*(?P<direction>📈|📉|🟢|🔴|⬆️|⬇️|⬆|⬇)\s*` +
			`(?:\$?(?P<amount>\d+(?:\.\d+)?)\s+)?` + durationGroup)

	timedPattern = regexp.MustCompile(
		`(?i)\b(?P<asset>[A-Z]{6})\s+(?P<direction>` + directionWords + `)\s+` +
			`at\s+(?P<time>\d{1,2}:\d{2}(?::\d{2})?)\s*` +
			`(?:for\s+)?` + durationGroup)

	simplePattern = regexp.MustCompile(
		`(?i)\b(?P<asset>[A-Z]{6})\s+(?P<direction>` + directionWords + `)\b` +
			`(?:\s*` + durationGroup + `)?`)

	// 标签块中的各字段独立匹配，字段顺序不限
	labelAssetPattern     = regexp.MustCompile(`(?im)(?:active\s+pair|asset|pair)\s*[:\-»]\s*(?P<asset>[A-Z]{6})\b`)
	labelDirectionPattern = regexp.MustCompile(`(?im)direction\s*[:\-»]\s*(?P<direction>` + directionWords + `|HIGHER|LOWER|📈|📉|🟢|🔴|⬆️|⬇️)`)
	labelAmountPattern    = regexp.MustCompile(`(?im)amount\s*[:\-»]\s*\$?(?P<amount>\d+(?:\.\d+)?)`)
	labelTimePattern      = regexp.MustCompile(`(?im)(?:timetable|entry\s+time|time)\s*[:\-»]\s*(?P<time>\d{1,2}:\d{2}(?::\d{2})?)`)
	labelDurationPattern  = regexp.MustCompile(`(?im)(?:duration|expiration|expiry)\s*[:\-»]\s*` + durationGroup)

	// 关键词兜底
	upKeywordPattern   = regexp.MustCompile(`(?i)\b(?:call|buy|up|higher|bullish)\b`)
	downKeywordPattern = regexp.MustCompile(`(?i)\b(?:put|sell|down|lower|bearish)\b`)
	clockPattern       = regexp.MustCompile(`\d{1,2}:\d{2}(?::\d{2})?`)
	numberPattern      = regexp.MustCompile(`(?i)(\$)?\s*(\d+(?:\.\d+)?)\s*(%|(?:minutes?|mins?|m|hours?|hrs?|h|seconds?|secs?|s)\b)?`)

	confidencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d+)\s*%`),
		regexp.MustCompile(`(?i)confidence[:\s]+(\d+)`),
		regexp.MustCompile(`(?i)accuracy[:\s]+(\d+)`),
		regexp.MustCompile(`(?i)win rate[:\s]+(\d+)`),
	}

	// 预处理：EUR/USD、EUR-USD、EURUSD-OTC、EURUSD (OTC) 统一为 EURUSD
	pairSeparatorPattern = regexp.MustCompile(`\b([A-Z]{3})\s?[/\-]\s?([A-Z]{3})\b`)
	otcSuffixPattern     = regexp.MustCompile(`(?i)\b([A-Z]{6})\s*(?:-\s*OTC|\(\s*OTC\s*\))`)
)

var upEmojis = []string{"📈", "🟢", "⬆️", "⬆"}
var downEmojis = []string{"📉", "🔴", "⬇️", "⬇"}

func normalizeText(text string) string {
	text = strings.TrimSpace(text)
	text = pairSeparatorPattern.ReplaceAllString(text, "$1$2")
	text = otcSuffixPattern.ReplaceAllString(text, "$1")
	return text
}

// namedGroups 将一次匹配转换为命名分组表，未参与匹配的分组不出现。
func namedGroups(re *regexp.Regexp, match []string) map[string]string {
	groups := make(map[string]string, len(match))
	for i, name := range re.SubexpNames() {
		if name == "" || i >= len(match) || match[i] == "" {
			continue
		}
		groups[name] = match[i]
	}
	return groups
}

func firstGroup(re *regexp.Regexp, text, name string) string {
	match := re.FindStringSubmatch(text)
	if match == nil {
		return ""
	}
	return namedGroups(re, match)[name]
}
