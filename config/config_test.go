package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/bobuhiro11/govmx/config"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func TestParseSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		unit string
		want int
		err  error
	}{
		{in: "1", unit: "", want: 1},
		{in: "1", unit: "m", want: 1 << 20},
		{in: "16M", unit: "", want: 16 << 20},
		{in: "2g", unit: "k", want: 2 << 30},
		{in: "0x10k", unit: "", want: 16 << 10},
		{in: "G", unit: "", want: -1, err: strconv.ErrSyntax},
		{in: "1x", unit: "", want: -1, err: strconv.ErrSyntax},
		{in: "1", unit: "t", want: -1, err: strconv.ErrSyntax},
	}

	for _, test := range tests {
		test := test

		t.Run(test.in+test.unit, func(t *testing.T) {
			t.Parallel()

			got, err := config.ParseSize(test.in, test.unit)
			if test.err != nil {
				if !errors.Is(err, test.err) || got != -1 {
					t.Fatalf("ParseSize(%q, %q) got %d, %v, want error %v", test.in, test.unit, got, err, test.err)
				}

				return
			}

			if err != nil || got != test.want {
				t.Fatalf("ParseSize(%q, %q) got %d, %v, want %d", test.in, test.unit, got, err, test.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "govmx.toml")
	text := "cores = 4\ngpcs = 3\nmemory = \"64M\"\nlog_level = \"debug\"\n"

	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want := config.Default()
	want.Cores, want.GPCs, want.Memory, want.LogLevel = 4, 3, "64M", "debug"

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if pages, err := got.MemoryPages(); err != nil || pages != 64<<8 {
		t.Fatalf("pages got %d, %v, want %d", pages, err, 64<<8)
	}

	if got.Level() != logrus.DebugLevel {
		t.Fatalf("level got %v, want %v", got.Level(), logrus.DebugLevel)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "govmx.toml")
	if err := os.WriteFile(path, []byte("cores = 1\nvcpus = 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := config.Load(path); !errors.Is(err, config.ErrUnknownKeys) {
		t.Fatalf("got %v, want %v", err, config.ErrUnknownKeys)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{name: "defaults", text: "", ok: true},
		{name: "no cores", text: "cores = 0"},
		{name: "no gpcs", text: "gpcs = -1"},
		{name: "tiny memory", text: `memory = "1k"`},
		{name: "bad memory", text: `memory = "lots"`},
		{name: "bad level", text: `log_level = "loud"`},
		{name: "no reflections", text: "reflections = 0"},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			c, err := config.Decode(test.text)
			if err != nil {
				t.Fatal(err)
			}

			err = c.Validate()
			if test.ok != (err == nil) {
				t.Fatalf("Validate got %v, want ok %v", err, test.ok)
			}

			if err != nil && !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("got %v, want %v", err, config.ErrInvalid)
			}
		})
	}
}
