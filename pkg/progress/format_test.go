package progress

import (
	"testing"
	"time"
)

func TestHumanBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{512, "512.00 B"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{1572864, "1.50 MiB"},
		{5 * 1024 * 1024 * 1024, "5.00 GiB"},
		{3 * 1024 * 1024 * 1024 * 1024, "3.00 TiB"},
		{2048 * 1024 * 1024 * 1024 * 1024, "2048.00 TiB"},
	}

	for _, tc := range tests {
		if got := HumanBytes(tc.in); got != tc.want {
			t.Fatalf("HumanBytes(%d)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestHumanRate(t *testing.T) {
	if got := HumanRate(0); got != "N/A" {
		t.Fatalf("HumanRate(0)=%q", got)
	}
	if got := HumanRate(2048); got != "2.00 KiB/s" {
		t.Fatalf("HumanRate(2048)=%q", got)
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "N/A"},
		{9 * time.Second, "00:09"},
		{125 * time.Second, "02:05"},
		{3723 * time.Second, "1:02:03"},
	}
	for _, tc := range tests {
		if got := FormatETA(tc.in); got != tc.want {
			t.Fatalf("FormatETA(%v)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestBar(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "░░░░░░░░░░"},
		{4, "░░░░░░░░░░"},
		{55, "██████░░░░"},
		{100, "██████████"},
		{140, "██████████"},
		{-3, "░░░░░░░░░░"},
	}
	for _, tc := range tests {
		if got := Bar(tc.in); got != tc.want {
			t.Fatalf("Bar(%v)=%q want %q", tc.in, got, tc.want)
		}
	}
}
