package danmaku

import (
	"strings"
	"testing"
)

func TestPackParams(t *testing.T) {
	got := PackParams(12.345, ModeTop, 255, "tencent")
	if got != "12.35,5,255,[tencent]" {
		t.Fatalf("PackParams = %q", got)
	}

	// Unknown mode and out-of-range color fall back to defaults.
	got = PackParams(1, 9, -1, "bilibili")
	if got != "1.00,1,16777215,[bilibili]" {
		t.Fatalf("fallbacks: %q", got)
	}
}

func TestNormalizeDropsDuplicateCIDs(t *testing.T) {
	in := []Comment{
		{CID: "a", P: "1.00,1,16777215,[x]", M: "one", T: 1},
		{CID: "a", P: "2.00,1,16777215,[x]", M: "two", T: 2},
		{CID: "b", P: "3.00,1,16777215,[x]", M: "three", T: 3},
	}
	out := Normalize(in, "x")
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].M != "one" || out[1].M != "three" {
		t.Fatalf("wrong survivors: %+v", out)
	}
}

func TestNormalizeCollapsesRepeatedText(t *testing.T) {
	in := []Comment{
		{CID: "1", P: "5.00,1,16777215,[x]", M: "666", T: 5},
		{CID: "2", P: "2.00,1,16777215,[x]", M: "666", T: 2},
		{CID: "3", P: "9.00,1,16777215,[x]", M: "666", T: 9},
		{CID: "4", P: "1.00,1,16777215,[x]", M: "666", T: 1},
		{CID: "5", P: "3.00,1,16777215,[x]", M: "unique", T: 3},
	}
	out := Normalize(in, "tencent")
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}

	collapsed := out[0]
	if collapsed.M != "666 X4" {
		t.Fatalf("collapsed text = %q, want %q", collapsed.M, "666 X4")
	}
	if collapsed.T != 1 {
		t.Fatalf("collapsed comment should be the earliest, t = %v", collapsed.T)
	}
	if !strings.HasPrefix(collapsed.P, "1.00,1,16777215,") {
		t.Fatalf("collapsed p = %q", collapsed.P)
	}
	if !strings.HasSuffix(collapsed.P, "[tencent]") {
		t.Fatalf("provider tag missing: %q", collapsed.P)
	}

	if out[1].M != "unique" {
		t.Fatalf("singleton altered: %+v", out[1])
	}
}

func TestNormalizeSingletonsUntouched(t *testing.T) {
	in := []Comment{
		{CID: "a", P: "1.50,5,255,[x]", M: "hello", T: 1.5},
	}
	out := Normalize(in, "x")
	if len(out) != 1 || out[0] != in[0] {
		t.Fatalf("singleton changed: %+v", out)
	}
}

func TestNormalizeEmpty(t *testing.T) {
	if out := Normalize(nil, "x"); len(out) != 0 {
		t.Fatalf("want empty, got %+v", out)
	}
}
