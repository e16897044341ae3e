package scraper

import (
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// appendBiliElem encodes one DanmakuElem the way the segment API does.
func appendBiliElem(b []byte, id int64, progressMs int64, mode int64, color int64, content string) []byte {
	var elem []byte
	elem = protowire.AppendTag(elem, 1, protowire.VarintType)
	elem = protowire.AppendVarint(elem, uint64(id))
	elem = protowire.AppendTag(elem, 2, protowire.VarintType)
	elem = protowire.AppendVarint(elem, uint64(progressMs))
	elem = protowire.AppendTag(elem, 3, protowire.VarintType)
	elem = protowire.AppendVarint(elem, uint64(mode))
	elem = protowire.AppendTag(elem, 5, protowire.VarintType)
	elem = protowire.AppendVarint(elem, uint64(color))
	elem = protowire.AppendTag(elem, 7, protowire.BytesType)
	elem = protowire.AppendBytes(elem, []byte(content))

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, elem)
	return b
}

func TestDecodeBiliSegment(t *testing.T) {
	var data []byte
	data = appendBiliElem(data, 101, 1500, 1, 16777215, "hello")
	data = appendBiliElem(data, 102, 62000, 5, 255, "top comment")
	data = appendBiliElem(data, 103, 3000, 8, 16777215, "fancy mode")

	comments, err := decodeBiliSegment(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(comments) != 3 {
		t.Fatalf("len = %d, want 3", len(comments))
	}

	if comments[0].CID != "101" || comments[0].T != 1.5 || comments[0].M != "hello" {
		t.Fatalf("first comment: %+v", comments[0])
	}
	if comments[0].P != "1.50,1,16777215,[bilibili]" {
		t.Fatalf("first p: %q", comments[0].P)
	}

	if comments[1].P != "62.00,5,255,[bilibili]" {
		t.Fatalf("top comment p: %q", comments[1].P)
	}

	// Mode 8 (advanced) is not representable; it falls back to scroll.
	if comments[2].P != "3.00,1,16777215,[bilibili]" {
		t.Fatalf("fallback p: %q", comments[2].P)
	}
}

func TestDecodeBiliSegmentSkipsUnknownFields(t *testing.T) {
	var elem []byte
	elem = protowire.AppendTag(elem, 1, protowire.VarintType)
	elem = protowire.AppendVarint(elem, 7)
	elem = protowire.AppendTag(elem, 7, protowire.BytesType)
	elem = protowire.AppendBytes(elem, []byte("x"))
	// Unknown trailing field the decoder must skip.
	elem = protowire.AppendTag(elem, 12, protowire.VarintType)
	elem = protowire.AppendVarint(elem, 99)

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, elem)
	// Unknown top-level field too.
	data = protowire.AppendTag(data, 4, protowire.VarintType)
	data = protowire.AppendVarint(data, 1)

	comments, err := decodeBiliSegment(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(comments) != 1 || comments[0].CID != "7" {
		t.Fatalf("unexpected result: %+v", comments)
	}
}

func TestDecodeBiliSegmentDropsEmptyElems(t *testing.T) {
	var elem []byte
	elem = protowire.AppendTag(elem, 2, protowire.VarintType)
	elem = protowire.AppendVarint(elem, 1000)

	var data []byte
	data = protowire.AppendTag(data, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, elem)

	comments, err := decodeBiliSegment(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(comments) != 0 {
		t.Fatalf("elem without id/content must be dropped: %+v", comments)
	}
}
