package utils

import "testing"

func TestParseSearchKeyword(t *testing.T) {
	cases := []struct {
		in      string
		title   string
		season  int
		episode int
	}{
		{"Fate/Zero S2E3", "Fate/Zero", 2, 3},
		{"Fate/Zero 第二季 S2E3", "Fate/Zero 第二季", 2, 3},
		{"进击的巨人 S02", "进击的巨人", 2, 0},
		{"进击的巨人 Season 3", "进击的巨人", 3, 0},
		{"某科学的超电磁炮 第三季", "某科学的超电磁炮", 3, 0},
		{"灼眼的夏娜 第2部", "灼眼的夏娜", 2, 0},
		{"刀剑神域 Ⅲ", "刀剑神域", 3, 0},
		{"Overlord IV", "Overlord", 4, 0},
		{"海贼王 2", "海贼王", 2, 0},
		{"Blade Runner 2049", "Blade Runner 2049", 0, 0},
		{"普通的标题", "普通的标题", 0, 0},
		{"  带空格  ", "带空格", 0, 0},
	}
	for _, tc := range cases {
		got := ParseSearchKeyword(tc.in)
		if got.Title != tc.title || got.Season != tc.season || got.Episode != tc.episode {
			t.Errorf("ParseSearchKeyword(%q) = %+v, want {%q %d %d}",
				tc.in, got, tc.title, tc.season, tc.episode)
		}
	}
}

func TestSeasonFromTitle(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"进击的巨人 第三季", 3},
		{"进击的巨人 Season 2", 2},
		{"鬼灭之刃 S02", 2},
		{"火影忍者 第二部", 2},
		{"命运石之门 第一幕", 1},
		{"游戏人生 二之章", 2},
		{"刀剑神域 Ⅱ", 2},
		{"Overlord III", 3},
		{"没有季号的标题", 1},
		{"", 1},
	}
	for _, tc := range cases {
		if got := SeasonFromTitle(tc.in); got != tc.want {
			t.Errorf("SeasonFromTitle(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestRomanToInt(t *testing.T) {
	cases := map[string]int{
		"I": 1, "IV": 4, "ix": 9, "XII": 12, "XL": 40, "": 0, "ABC": 0,
	}
	for in, want := range cases {
		if got := RomanToInt(in); got != want {
			t.Errorf("RomanToInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	if got := NormalizeTitle("Fate:Zero"); got != "Fate：Zero" {
		t.Fatalf("NormalizeTitle = %q", got)
	}
}
