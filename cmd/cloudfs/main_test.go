package main

import (
	"errors"
	"testing"

	"github.com/fruitsalade/cloudfs/internal/llop"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.50 KB"},
		{5 << 20, "5.00 MB"},
		{3 << 30, "3.00 GB"},
	}
	for _, tt := range tests {
		if got := formatSize(tt.in); got != tt.want {
			t.Errorf("formatSize(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReportExitCodes(t *testing.T) {
	partial := &llop.PartialFailure{
		Op:      "remove",
		Subject: "/docs",
		Outcomes: []llop.Outcome{
			{Name: "metadata-delete", Attempts: 1},
			{Name: "object-delete:k", Attempts: 3, Err: errors.New("timeout")},
		},
	}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, exitOK},
		{"partial", partial, exitPartial},
		{"usage", usagef("unknown command: %s", "frob"), exitUsage},
		{"error", vfs.NewError("stat", "/x", vfs.ErrNotFound), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := report(tt.err); got != tt.want {
				t.Errorf("report = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSelectors(t *testing.T) {
	if _, err := selectors([]string{"/a"}, 2); err == nil {
		t.Error("expected an error for a missing selector")
	}
	if _, err := selectors([]string{"relative"}, 1); !errors.Is(err, vfs.ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	sels, err := selectors([]string{"/a/", "/b", "extra"}, 2)
	if err != nil {
		t.Fatalf("selectors: %v", err)
	}
	if got := sels[0].(vfs.PathSelector).Value; got != "/a" {
		t.Errorf("first selector = %q, want /a", got)
	}
}
