// Package danmaku holds the normalized bullet-comment representation shared
// by every scraper and the storage layer.
package danmaku

import (
	"fmt"
	"sort"
)

// Display modes understood by dandanplay-style players.
const (
	ModeScroll = 1
	ModeBottom = 4
	ModeTop    = 5
)

// ColorWhite is the default comment color (0xFFFFFF).
const ColorWhite = 16777215

// Comment is one timed text overlay in the format the database expects.
// P packs "time,mode,color,[provider]"; T duplicates the timestamp in
// seconds for sorting and display.
type Comment struct {
	CID string  `json:"cid"`
	P   string  `json:"p"`
	M   string  `json:"m"`
	T   float64 `json:"t"`
}

// PackParams renders the `p` field for a comment. Mode falls back to
// scrolling and the color is clamped to 24 bits.
func PackParams(t float64, mode, color int, provider string) string {
	if mode != ModeScroll && mode != ModeBottom && mode != ModeTop {
		mode = ModeScroll
	}
	if color < 0 || color > 0xFFFFFF {
		color = ColorWhite
	}
	return fmt.Sprintf("%.2f,%d,%d,[%s]", t, mode, color, provider)
}

// Normalize deduplicates a raw comment list the way every scraper must
// before returning it:
//
//  1. drop comments whose upstream cid was already seen,
//  2. group the remainder by text,
//  3. collapse each group of two or more into its earliest comment with
//     " X{n}" appended to the text.
//
// The relative order of the surviving comments follows their first
// appearance in the input; the caller inserts them as-is.
func Normalize(comments []Comment, provider string) []Comment {
	if len(comments) == 0 {
		return comments
	}

	seen := make(map[string]struct{}, len(comments))
	unique := make([]Comment, 0, len(comments))
	for _, c := range comments {
		if _, dup := seen[c.CID]; dup {
			continue
		}
		seen[c.CID] = struct{}{}
		unique = append(unique, c)
	}

	groups := make(map[string][]int)
	order := make([]string, 0, len(unique))
	for i, c := range unique {
		if _, ok := groups[c.M]; !ok {
			order = append(order, c.M)
		}
		groups[c.M] = append(groups[c.M], i)
	}

	out := make([]Comment, 0, len(order))
	for _, text := range order {
		idx := groups[text]
		if len(idx) == 1 {
			out = append(out, unique[idx[0]])
			continue
		}
		sort.Slice(idx, func(a, b int) bool {
			return unique[idx[a]].T < unique[idx[b]].T
		})
		first := unique[idx[0]]
		first.M = fmt.Sprintf("%s X%d", first.M, len(idx))
		first.P = PackParams(first.T, modeOf(first.P), colorOf(first.P), provider)
		out = append(out, first)
	}
	return out
}

func modeOf(p string) int {
	var t float64
	var mode, color int
	if _, err := fmt.Sscanf(p, "%f,%d,%d", &t, &mode, &color); err != nil {
		return ModeScroll
	}
	return mode
}

func colorOf(p string) int {
	var t float64
	var mode, color int
	if _, err := fmt.Sscanf(p, "%f,%d,%d", &t, &mode, &color); err != nil {
		return ColorWhite
	}
	return color
}
