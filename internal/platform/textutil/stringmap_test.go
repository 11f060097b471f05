package textutil

import "testing"

func TestCompactStringMap(t *testing.T) {
	got := CompactStringMap(map[string]string{
		" user_id ": " u-1 ",
		"":          "orphan",
		"coupon":    "  ",
	})
	if len(got) != 1 || got["user_id"] != "u-1" {
		t.Fatalf("unexpected compacted map %#v", got)
	}

	if CompactStringMap(map[string]string{"x": ""}) != nil {
		t.Fatalf("expected nil when every entry is blank")
	}
	if CompactStringMap(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}
