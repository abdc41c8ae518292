package flag_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/govmx/config"
	"github.com/bobuhiro11/govmx/flag"
	"github.com/google/go-cmp/cmp"
)

func TestParseArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		cmd  string
		want config.Config
	}{
		{
			name: "defaults",
			args: []string{},
			cmd:  "run",
			want: config.Default(),
		},
		{
			name: "overrides",
			args: []string{"run", "-c", "3", "--gpcs", "4", "-m", "32M", "-p", "hey\n", "--no-console"},
			cmd:  "run",
			want: func() config.Config {
				c := config.Default()
				c.Cores, c.GPCs, c.Memory, c.Message, c.Console = 3, 4, "32M", "hey\n", false

				return c
			}(),
		},
	}

	for _, test := range tests {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			cli := flag.CLI{}

			parser, err := flag.New(&cli)
			if err != nil {
				t.Fatal(err)
			}

			ctx, err := parser.Parse(test.args)
			if err != nil {
				t.Fatal(err)
			}

			if ctx.Command() != test.cmd {
				t.Fatalf("command got %q, want %q", ctx.Command(), test.cmd)
			}

			got, err := cli.Run.Config()
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Fatalf("config mismatch (-want +got):\n%s", diff)
			}

			if cli.Run.Timeout != 30*time.Second {
				t.Fatalf("timeout got %v, want 30s", cli.Run.Timeout)
			}
		})
	}
}

func TestParseProbe(t *testing.T) {
	t.Parallel()

	cli := flag.CLI{}

	parser, err := flag.New(&cli)
	if err != nil {
		t.Fatal(err)
	}

	ctx, err := parser.Parse([]string{"--profile", "cpu", "probe", "-c", "2"})
	if err != nil {
		t.Fatal(err)
	}

	if ctx.Command() != "probe" || cli.Probe.Core != 2 || cli.Profile != "cpu" {
		t.Fatalf("got command %q core %d profile %q", ctx.Command(), cli.Probe.Core, cli.Profile)
	}

	if _, err := parser.Parse([]string{"--profile", "disk", "probe"}); err == nil {
		t.Fatal("unknown profile kind accepted")
	}
}

func TestConfigFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "govmx.toml")
	if err := os.WriteFile(path, []byte("cores = 4\nquantum = 128\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := flag.RunCMD{File: path, Cores: 1}

	got, err := r.Config()
	if err != nil {
		t.Fatal(err)
	}

	want := config.Default()
	want.Cores, want.Quantum = 1, 128

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	r = flag.RunCMD{Memory: "lots"}
	if _, err := r.Config(); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("bad memory got %v, want %v", err, config.ErrInvalid)
	}
}

func TestExecute(t *testing.T) {
	t.Parallel()

	r := flag.RunCMD{
		Cores:    2,
		GPCs:     2,
		Message:  "hey\n",
		LogLevel: "warning",
		Migrate:  time.Millisecond,
		Timeout:  time.Minute,
	}

	out := &bytes.Buffer{}

	if err := r.Execute(context.Background(), out); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"gpc 0: hey\n", "gpc 1: hey\n", "gpc 0: reflected\n", "gpc 1: reflected\n", "exits:", "reflected=2",
	} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output %q lacks %q", out.String(), want)
		}
	}
}
