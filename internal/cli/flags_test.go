package cli

import (
	"flag"
	"io"
	"strings"
	"testing"
)

func TestHelpFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := AddHelpVersionFlags(fs, "", "")

	if err := fs.Parse([]string{"-h"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Help {
		t.Fatalf("expected help flag set")
	}
}

func TestVersionFlag(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	flags := AddHelpVersionFlags(fs, "", "")

	if err := fs.Parse([]string{"--version"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.Version {
		t.Fatalf("expected version flag set")
	}
}

func TestSetFlagsOnlyReportsGivenFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.String("listen", "", "")
	fs.String("state-dir", "", "")
	if err := fs.Parse([]string{"-listen", ":1"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	set := SetFlags(fs)
	if !set["listen"] || set["state-dir"] {
		t.Fatalf("unexpected set flags %v", set)
	}
}

func TestWriteOptionGroup(t *testing.T) {
	var out strings.Builder
	WriteOptionGroup(&out, "Locks", []Option{{Name: "--lock-strategy NAME", Desc: "auto, link or advisory"}})
	if !strings.Contains(out.String(), "Locks:") || !strings.Contains(out.String(), "--lock-strategy NAME") {
		t.Fatalf("unexpected help output %q", out.String())
	}
	out.Reset()
	WriteOptionGroup(&out, "Empty", nil)
	if out.Len() != 0 {
		t.Fatalf("expected no output for empty group")
	}
}
