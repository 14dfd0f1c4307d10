package transfer_test

import (
	"testing"

	"github.com/fetchmux/pkg/transfer"
)

func TestURLEncode(t *testing.T) {
	tests := map[string]string{
		"plain":       "plain",
		"a b":         "a%20b",
		"a+b":         "a%2Bb",
		"x/y?z=1&w":   "x%2Fy%3Fz%3D1%26w",
		"wsw map.pk3": "wsw%20map.pk3",
	}
	for in, want := range tests {
		got := transfer.URLEncode(in)
		if got != want {
			t.Errorf("URLEncode(%q) = %q, want %q", in, got, want)
		}
		back, err := transfer.URLDecode(got)
		if err != nil || back != in {
			t.Errorf("URLDecode(%q) = %q, %v", got, back, err)
		}
	}

	if _, err := transfer.URLDecode("%zz"); err == nil {
		t.Error("URLDecode accepted an invalid escape")
	}
}
