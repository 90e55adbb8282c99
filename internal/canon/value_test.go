package canon

import (
	"testing"
)

func TestSortedKeys_ASCIIOrder(t *testing.T) {
	obj := Object{"b": Int(1), "a": Int(2), "c": Int(3)}
	keys := obj.SortedKeys()
	want := []string{"a", "b", "c"}
	for i, k := range want {
		if keys[i] != k {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], k)
		}
	}
}

func TestSortedKeys_UTF16OrderForNonBMP(t *testing.T) {
	// U+1F600 encodes as the surrogate pair D83D DE00 in UTF-16, while
	// U+FB33 is a single code unit. UTF-16 order puts the surrogate pair
	// first (0xD83D < 0xFB33); UTF-8 byte order would reverse them.
	obj := Object{"דּ": Int(1), "\U0001f600": Int(2)}
	keys := obj.SortedKeys()
	if keys[0] != "\U0001f600" || keys[1] != "דּ" {
		t.Errorf("unexpected order: %q", keys)
	}
}

func TestFromAny_IntegralFoldInt64Boundary(t *testing.T) {
	// 2^63 is a whole float64 but not an int64; folding it would
	// overflow the conversion and negate the value. It must stay Float.
	v, err := FromAny(9223372036854775808.0)
	if err != nil {
		t.Fatalf("FromAny(2^63) failed: %v", err)
	}
	f, ok := v.(Float)
	if !ok {
		t.Fatalf("FromAny(2^63) = %T(%v), want Float", v, v)
	}
	if float64(f) <= 0 {
		t.Errorf("FromAny(2^63) flipped sign: %v", float64(f))
	}

	// -2^63 is exactly int64's minimum and folds.
	v, err = FromAny(-9223372036854775808.0)
	if err != nil {
		t.Fatalf("FromAny(-2^63) failed: %v", err)
	}
	if i, ok := v.(Int); !ok || int64(i) != -9223372036854775808 {
		t.Errorf("FromAny(-2^63) = %T(%v), want Int(-9223372036854775808)", v, v)
	}

	// The largest whole float64 below 2^63 still folds.
	v, err = FromAny(9223372036854774784.0)
	if err != nil {
		t.Fatalf("FromAny(2^63-1024) failed: %v", err)
	}
	if i, ok := v.(Int); !ok || int64(i) != 9223372036854774784 {
		t.Errorf("FromAny(2^63-1024) = %T(%v), want Int(9223372036854774784)", v, v)
	}
}

func TestFromAny_RejectsUnsupportedTypes(t *testing.T) {
	if _, err := FromAny(struct{}{}); err == nil {
		t.Error("expected error for struct input")
	}
	if _, err := FromAny(make(chan int)); err == nil {
		t.Error("expected error for channel input")
	}
}

func TestFromAny_NilBecomesNull(t *testing.T) {
	v, err := FromAny(nil)
	if err != nil {
		t.Fatalf("FromAny(nil) failed: %v", err)
	}
	if _, ok := v.(Null); !ok {
		t.Errorf("expected Null, got %T", v)
	}
}

func TestToAny_RoundTrip(t *testing.T) {
	obj := Object{
		"s": String("x"),
		"i": Int(7),
		"f": Float(1.5),
		"b": Bool(true),
		"a": Array{Int(1)},
		"o": Object{"k": String("v")},
		"n": Null{},
	}

	back, err := FromAny(ToAny(obj))
	if err != nil {
		t.Fatalf("FromAny(ToAny()) failed: %v", err)
	}

	b1, _ := Marshal(obj)
	b2, _ := Marshal(back)
	if string(b1) != string(b2) {
		t.Errorf("ToAny round trip changed encoding: %s vs %s", b1, b2)
	}
}
