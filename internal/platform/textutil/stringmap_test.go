package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMapTrimsAndDrops(t *testing.T) {
	got := NormalizeStringMap(map[string]string{
		" gift_note ": " Happy birthday ",
		"channel":     " web ",
		"blank":       "  ",
		"  ":          "dropped",
		"":            "dropped",
	})

	want := map[string]string{
		"gift_note": "Happy birthday",
		"channel":   "web",
		"blank":     "",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeStringMap = %#v, want %#v", got, want)
	}
}

func TestNormalizeStringMapCollapsesToNil(t *testing.T) {
	if got := NormalizeStringMap(nil); got != nil {
		t.Fatalf("nil input: got %#v, want nil", got)
	}
	if got := NormalizeStringMap(map[string]string{}); got != nil {
		t.Fatalf("empty input: got %#v, want nil", got)
	}
	if got := NormalizeStringMap(map[string]string{" ": "x"}); got != nil {
		t.Fatalf("all-empty keys: got %#v, want nil", got)
	}
}
