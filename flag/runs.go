package flag

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govmx/probe"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
)

const (
	programName = "govmx"
	programDesc = "govmx is a small VT-x hypervisor core running guests on a simulated multiprocessor"
)

// New builds the parser for cli.
func New(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}, options...)...)
}

func Parse() error {
	c := CLI{}

	parser, err := New(&c)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if p := c.startProfile(); p != nil {
		defer p.Stop()
	}

	return ctx.Run()
}

func (c *CLI) startProfile() interface{ Stop() } {
	switch c.Profile {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath(c.ProfileDir), profile.NoShutdownHook)
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath(c.ProfileDir), profile.NoShutdownHook)
	}

	return nil
}

func (d *ProbeCMD) Run() error {
	dev, err := probe.OpenMSR(d.Core)
	if err != nil {
		return err
	}
	defer dev.Close()

	return probe.Run(os.Stdout, dev)
}

func (r *RunCMD) Run() error {
	return r.Execute(context.Background(), os.Stdout)
}

// Execute runs the demo guest and writes its console and the exit
// statistics to w.
func (r *RunCMD) Execute(ctx context.Context, w io.Writer) error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}

	logrus.SetLevel(cfg.Level())

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	console := vmm.NewConsole(w)

	v, err := vmm.New(ctx, cfg, console)
	if err != nil {
		return err
	}

	defer func() {
		if err := v.Teardown(); err != nil {
			logrus.WithError(err).Error("teardown")
		}
	}()

	if err := v.Setup(vmm.Program(cfg.Message)); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	rotated := make(chan struct{})

	go func() {
		defer close(rotated)

		if r.Migrate > 0 {
			rotate(ctx, v, r.Migrate)
		}
	}()

	results, err := v.RunAll(ctx)
	cancel()
	<-rotated

	if err != nil {
		return err
	}

	for id, res := range results {
		fmt.Fprintf(w, "gpc %d: %s\n", id, res)
	}

	printStats(w, v)

	return nil
}

func rotate(ctx context.Context, v *vmm.VMM, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := v.Rotate(); err != nil {
				logrus.WithError(err).Warn("rotate")

				return
			}
		}
	}
}

func printStats(w io.Writer, v *vmm.VMM) {
	stats := v.Dispatcher().Stats()

	reasons := make([]vmx.ExitReason, 0, len(stats))
	for r := range stats {
		reasons = append(reasons, r)
	}

	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	fmt.Fprintf(w, "exits:")

	for _, r := range reasons {
		fmt.Fprintf(w, " %s=%d", r, stats[r])
	}

	taken, worked := v.Dispatcher().NMIs()
	fmt.Fprintf(w, "\nreflected=%d nmis=%d/%d\n", v.Dispatcher().Reflected(), taken, worked)
}
