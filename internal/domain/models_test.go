package domain

import (
	"errors"
	"testing"
)

func TestParseForwardMode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    ForwardMode
		wantErr bool
	}{
		{"", ModeDirect, false},
		{"direct", ModeDirect, false},
		{" JSON ", ModeJSON, false},
		{"custom-header", ModeCustomHeader, false},
		{"CUSTOM_HEADER", ModeCustomHeader, false},
		{"xml", "", true},
	}
	for _, tc := range cases {
		got, err := ParseForwardMode(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidMode) {
				t.Fatalf("ParseForwardMode(%q): expected ErrInvalidMode, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseForwardMode(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseForwardMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEndpointValidateHeaderInvariant(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mode   ForwardMode
		header string
		ok     bool
	}{
		{"direct_no_header", ModeDirect, "", true},
		{"direct_with_header", ModeDirect, "HDR", false},
		{"json_no_header", ModeJSON, "", true},
		{"custom_with_header", ModeCustomHeader, "HDR:", true},
		{"custom_missing_header", ModeCustomHeader, "", false},
		{"unknown", ForwardMode("XML"), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Endpoint{Mode: tc.mode, CustomHeader: tc.header}.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCommandStatusTerminal(t *testing.T) {
	t.Parallel()

	if CommandPending.Terminal() {
		t.Fatal("pending must not be terminal")
	}
	for _, s := range []CommandStatus{CommandSuccess, CommandFailed, CommandTimeout} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
}
