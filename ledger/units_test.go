package ledger

import (
	"math/big"
	"testing"
	"time"
)

func TestParseEther(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.5", "500000000000000000"},
		{"1.000000000000000001", "1000000000000000001"},
		{"  2.50 ", "2500000000000000000"},
		{"0.000000000000000001", "1"},
		{"1.5000000000000000000", "1500000000000000000"},
	}
	for _, tc := range cases {
		got, err := ParseEther(tc.in)
		if err != nil {
			t.Fatalf("ParseEther(%q): unexpected error %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Errorf("ParseEther(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseEther_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "1.", ".5", "1e18", "0x10", "1.0000000000000000001"} {
		if _, err := ParseEther(in); err == nil {
			t.Errorf("ParseEther(%q): expected error", in)
		}
	}
}

func TestFormatEther(t *testing.T) {
	cases := map[string]string{
		"0":                    "0",
		"1":                    "0.000000000000000001",
		"1000000000000000000":  "1",
		"1500000000000000000":  "1.5",
		"12345678900000000000": "12.3456789",
		"-500000000000000000":  "-0.5",
	}
	for in, want := range cases {
		wei, _ := new(big.Int).SetString(in, 10)
		if got := FormatEther(wei); got != want {
			t.Errorf("FormatEther(%s) = %q, want %q", in, got, want)
		}
	}
	if got := FormatEther(nil); got != "0" {
		t.Errorf("FormatEther(nil) = %q", got)
	}
}

func TestParseFormatEtherAreInverse(t *testing.T) {
	for _, in := range []string{"0.1", "3", "0.000000000000000123", "42.42"} {
		wei, err := ParseEther(in)
		if err != nil {
			t.Fatalf("ParseEther(%q): %v", in, err)
		}
		if got := FormatEther(wei); got != in {
			t.Errorf("round trip of %q gave %q", in, got)
		}
	}
}

func TestParseDueDate(t *testing.T) {
	got, err := ParseDueDate("1735689600")
	if err != nil {
		t.Fatalf("unix seconds: %v", err)
	}
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("unix seconds: got %v want %v", got, want)
	}

	got, err = ParseDueDate("2025-01-01T02:00:00+02:00")
	if err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if got.Unix() != 1735689600 || got.Location() != time.UTC {
		t.Errorf("rfc3339: got %v", got)
	}

	for _, in := range []string{"", "0", "-5", "tomorrow", "1969-12-31T00:00:00Z"} {
		if _, err := ParseDueDate(in); err == nil {
			t.Errorf("ParseDueDate(%q): expected error", in)
		}
	}
}
