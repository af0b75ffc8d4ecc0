package image

import (
	"testing"

	"github.com/progminer/lvm/internal/asmtest"
	"github.com/progminer/lvm/internal/bytecode"
)

func TestLoadTruncatedHeader(t *testing.T) {
	_, err := Load([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected MalformedImage for a too-short header")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	code := asmtest.NewCode()
	code.Op(bytecode.End).End()

	raw := asmtest.Image(4, nil, code.Bytes())
	img, err := Load(raw)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.GlobalAreaSize != 4 {
		t.Errorf("GlobalAreaSize = %d, want 4", img.GlobalAreaSize)
	}
	if len(img.Code) != len(code.Bytes()) {
		t.Errorf("Code length = %d, want %d", len(img.Code), len(code.Bytes()))
	}
}

func TestStringAtOutOfRange(t *testing.T) {
	img := &Image{Strings: []byte("hi\x00")}
	if _, err := img.StringAt(100); err == nil {
		t.Fatal("expected BadStringIndex for an out-of-range offset")
	}
}

func TestStringAtMissingTerminator(t *testing.T) {
	img := &Image{Strings: []byte("hi")} // no NUL
	if _, err := img.StringAt(0); err == nil {
		t.Fatal("expected BadStringIndex when the pool has no terminator")
	}
}
