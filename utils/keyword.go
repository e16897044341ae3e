// Package utils provides title and keyword parsing helpers shared by the
// search pipeline and the scrapers.
package utils

import (
	"regexp"
	"strconv"
	"strings"
)

// ParsedKeyword is the result of breaking a free-form search keyword into
// title, season and episode. Season/Episode are 0 when absent.
type ParsedKeyword struct {
	Title   string
	Season  int
	Episode int
}

var chineseNumerals = map[rune]int{
	'一': 1, '二': 2, '三': 3, '四': 4, '五': 5,
	'六': 6, '七': 7, '八': 8, '九': 9, '十': 10,
	'壹': 1, '贰': 2, '叁': 3, '肆': 4, '伍': 5,
	'陆': 6, '柒': 7, '捌': 8, '玖': 9, '拾': 10,
}

var unicodeRoman = map[rune]int{
	'Ⅰ': 1, 'Ⅱ': 2, 'Ⅲ': 3, 'Ⅳ': 4, 'Ⅴ': 5, 'Ⅵ': 6,
	'Ⅶ': 7, 'Ⅷ': 8, 'Ⅸ': 9, 'Ⅹ': 10, 'Ⅺ': 11, 'Ⅻ': 12,
}

var romanValues = map[byte]int{
	'I': 1, 'V': 5, 'X': 10, 'L': 50, 'C': 100, 'D': 500, 'M': 1000,
}

// RomanToInt converts an ASCII Roman numeral (any case) to an integer.
// Returns 0 for strings containing non-Roman characters.
func RomanToInt(s string) int {
	s = strings.ToUpper(s)
	total := 0
	for i := 0; i < len(s); i++ {
		v, ok := romanValues[s[i]]
		if !ok {
			return 0
		}
		if i+1 < len(s) {
			if next, ok := romanValues[s[i+1]]; ok && v < next {
				total += next - v
				i++
				continue
			}
		}
		total += v
	}
	return total
}

func chineseOrArabic(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	runes := []rune(s)
	if len(runes) == 1 {
		return chineseNumerals[runes[0]]
	}
	return 0
}

var (
	reSeasonEpisode = regexp.MustCompile(`(?i)^(.+?)\s*S(\d{1,2})E(\d{1,4})$`)
	reSeasonWord    = regexp.MustCompile(`(?i)^(.*?)\s*(?:S|Season)\s*(\d{1,2})$`)
	reSeasonCN      = regexp.MustCompile(`^(.*?)\s*第\s*([一二三四五六七八九十壹贰叁肆伍陆柒捌玖拾\d]+)\s*[季部]$`)
	reSeasonUniRoman = regexp.MustCompile(`^(.*?)\s*([Ⅰ-Ⅻ])$`)
	reSeasonRoman   = regexp.MustCompile(`(?i)^(.*?)\s+([IVXLCDM]+)$`)
	reSeasonDigits  = regexp.MustCompile(`^(.*?)\s+(\d{1,2})$`)
)

// ParseSearchKeyword extracts title, season and episode from a free-form
// keyword such as "Title S02E05", "Title Season 2", "Title 第二季" or
// "Title Ⅲ". A trailing number is treated as a season only when the title
// does not already end with a four-digit year.
func ParseSearchKeyword(keyword string) ParsedKeyword {
	keyword = strings.TrimSpace(keyword)

	if m := reSeasonEpisode.FindStringSubmatch(keyword); m != nil {
		season, _ := strconv.Atoi(m[2])
		episode, _ := strconv.Atoi(m[3])
		return ParsedKeyword{Title: strings.TrimSpace(m[1]), Season: season, Episode: episode}
	}

	type matcher struct {
		re      *regexp.Regexp
		extract func(m []string) int
	}
	matchers := []matcher{
		{reSeasonWord, func(m []string) int { n, _ := strconv.Atoi(m[2]); return n }},
		{reSeasonCN, func(m []string) int { return chineseOrArabic(m[2]) }},
		{reSeasonUniRoman, func(m []string) int { return unicodeRoman[[]rune(m[2])[0]] }},
		{reSeasonRoman, func(m []string) int { return RomanToInt(m[2]) }},
		{reSeasonDigits, func(m []string) int { n, _ := strconv.Atoi(m[2]); return n }},
	}
	for _, mt := range matchers {
		m := mt.re.FindStringSubmatch(keyword)
		if m == nil {
			continue
		}
		title := strings.TrimSpace(m[1])
		season := mt.extract(m)
		if title == "" || season == 0 {
			continue
		}
		// "Blade Runner 2049" must not become season 20 of "Blade Runner 20".
		if endsWithYear(title) {
			continue
		}
		return ParsedKeyword{Title: title, Season: season}
	}

	return ParsedKeyword{Title: keyword}
}

func endsWithYear(title string) bool {
	if len(title) < 4 {
		return false
	}
	tail := title[len(title)-4:]
	if _, err := strconv.Atoi(tail); err != nil {
		return false
	}
	return true
}

var seasonPatterns = []struct {
	re      *regexp.Regexp
	extract func(m []string) int
}{
	{regexp.MustCompile(`(?i)(?:S|Season)\s*(\d+)`), func(m []string) int { n, _ := strconv.Atoi(m[1]); return n }},
	{regexp.MustCompile(`第\s*([一二三四五六七八九十壹贰叁肆伍陆柒捌玖拾\d])\s*[季部幕]`), func(m []string) int { return chineseOrArabic(m[1]) }},
	{regexp.MustCompile(`([一二三四五六七八九十壹贰叁肆伍陆柒捌玖拾])\s*之\s*章`), func(m []string) int { return chineseOrArabic(m[1]) }},
	{regexp.MustCompile(`\s+([Ⅰ-Ⅻ])(?:\s|$)`), func(m []string) int { return unicodeRoman[[]rune(m[1])[0]] }},
	{regexp.MustCompile(`(?i)\s+([IVXLCDM]+)\b`), func(m []string) int { return RomanToInt(m[1]) }},
}

// SeasonFromTitle derives a season number from a media title, supporting
// "S01"/"Season 2", "第N季/部/幕", "N之章" and Roman numerals (Unicode and
// ASCII). Defaults to 1.
func SeasonFromTitle(title string) int {
	if title == "" {
		return 1
	}
	for _, p := range seasonPatterns {
		if m := p.re.FindStringSubmatch(title); m != nil {
			if season := p.extract(m); season > 0 {
				return season
			}
		}
	}
	return 1
}

// NormalizeTitle applies the cross-provider title convention: every ASCII
// colon becomes a full-width colon.
func NormalizeTitle(title string) string {
	return strings.ReplaceAll(title, ":", "：")
}
