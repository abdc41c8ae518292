package vmm_test

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/govmx/config"
	"github.com/bobuhiro11/govmx/memory"
	"github.com/bobuhiro11/govmx/vmexit"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/bobuhiro11/govmx/vmx"
	"github.com/google/go-cmp/cmp"
)

func newVMM(t *testing.T, cfg config.Config) (*vmm.VMM, *bytes.Buffer) {
	t.Helper()

	out := &bytes.Buffer{}

	v, err := vmm.New(context.Background(), cfg, vmm.NewConsole(out))
	if err != nil {
		t.Fatal(err)
	}

	return v, out
}

func testConfig(cores, gpcs int) config.Config {
	c := config.Default()
	c.Cores, c.GPCs = cores, gpcs
	c.LogLevel = "warning"

	return c
}

func TestRunAll(t *testing.T) {
	t.Parallel()

	v, out := newVMM(t, testConfig(2, 3))

	if err := v.Setup(vmm.Program("hi\n")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	results, err := v.RunAll(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := []vmexit.Result{vmexit.Reflected, vmexit.Reflected, vmexit.Reflected}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	sort.Strings(lines)

	if diff := cmp.Diff([]string{"gpc 0: hi", "gpc 1: hi", "gpc 2: hi"}, lines); diff != "" {
		t.Fatalf("console mismatch (-want +got):\n%s", diff)
	}

	d := v.Dispatcher()
	for _, r := range []vmx.ExitReason{vmx.ExitCPUID, vmx.ExitXSETBV, vmx.ExitHLT} {
		if got := d.Count(r); got != 3 {
			t.Fatalf("%s exits got %d, want 3", r, got)
		}
	}

	for id := range v.NumGPCs() {
		g, err := v.GPC(id)
		if err != nil {
			t.Fatal(err)
		}

		if g.XCR0() != 0x3 {
			t.Fatalf("gpc %d xcr0 got %#x, want 0x3", id, g.XCR0())
		}

		tf := v.Frame(id)
		if tf == nil || tf.Reason() != vmx.ExitHLT || !tf.Faulted() {
			t.Fatalf("gpc %d final frame got %v, want faulted HLT", id, tf)
		}
	}

	if v.Flags()&vmm.FlagConsole == 0 {
		t.Fatal("console flag clear")
	}

	if err := v.Teardown(); err != nil {
		t.Fatal(err)
	}

	if n := v.Memory().Live(); n != 0 {
		t.Fatalf("live pages after teardown got %d, want 0", n)
	}

	if vs := v.Hardware().Violations(); len(vs) != 0 {
		t.Fatalf("violations: %v", vs)
	}
}

func TestConsoleDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(1, 1)
	cfg.Console = false

	v, out := newVMM(t, cfg)
	defer v.Teardown()

	if err := v.Setup(vmm.Program("x")); err != nil {
		t.Fatal(err)
	}

	res, err := v.Run(context.Background(), 0)
	if err != nil || res != vmexit.Reflected {
		t.Fatalf("got %s, %v, want %s", res, err, vmexit.Reflected)
	}

	if tf := v.Frame(0); tf.Reason() != vmx.ExitVMCALL {
		t.Fatalf("stopped at %s, want VMCALL", tf)
	}

	if out.Len() != 0 {
		t.Fatalf("console got %q, want nothing", out.String())
	}
}

func TestMigration(t *testing.T) {
	t.Parallel()

	v, _ := newVMM(t, testConfig(4, 3))

	if err := v.Setup(vmm.Busy(300)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for ctx.Err() == nil {
			if err := v.Rotate(); err != nil {
				t.Errorf("rotate: %v", err)

				return
			}

			time.Sleep(time.Millisecond)
		}
	}()

	results, err := v.RunAll(ctx)
	cancel()
	<-done

	if err != nil {
		t.Fatal(err)
	}

	for id, res := range results {
		if res != vmexit.Reflected {
			t.Fatalf("gpc %d got %s, want %s", id, res, vmexit.Reflected)
		}
	}

	if got, want := v.Dispatcher().Count(vmx.ExitCPUID), uint64(3*300); got != want {
		t.Fatalf("cpuid exits got %d, want %d", got, want)
	}

	if err := v.Teardown(); err != nil {
		t.Fatal(err)
	}

	if vs := v.Hardware().Violations(); len(vs) != 0 {
		t.Fatalf("violations: %v", vs)
	}
}

func TestMigrateErrors(t *testing.T) {
	t.Parallel()

	v, _ := newVMM(t, testConfig(2, 1))
	defer v.Teardown()

	if err := v.Migrate(0, 1); !errors.Is(err, vmm.ErrNotSetUp) {
		t.Fatalf("before setup got %v, want %v", err, vmm.ErrNotSetUp)
	}

	if err := v.Setup(vmm.Busy(1)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		id   int
		core int
		want error
	}{
		{name: "ok", id: 0, core: 1},
		{name: "no gpc", id: 1, core: 0, want: vmm.ErrNoSuchGPC},
		{name: "no core", id: 0, core: 2, want: vmm.ErrNoSuchCore},
	}

	for _, test := range tests {
		if err := v.Migrate(test.id, test.core); !errors.Is(err, test.want) {
			t.Fatalf("%s: got %v, want %v", test.name, err, test.want)
		}
	}

	if home, _ := v.Home(0); home != 1 {
		t.Fatalf("home got %d, want 1", home)
	}

	if res, err := v.Run(context.Background(), 0); err != nil || res != vmexit.Reflected {
		t.Fatalf("run after migrate got %s, %v", res, err)
	}

	g, _ := v.GPC(0)
	if g.CoreID() != 1 {
		t.Fatalf("loaded on core %d, want 1", g.CoreID())
	}
}

func TestPostInterrupt(t *testing.T) {
	t.Parallel()

	v, _ := newVMM(t, testConfig(2, 2))
	defer v.Teardown()

	if err := v.Setup(vmm.Busy(1)); err != nil {
		t.Fatal(err)
	}

	sent, err := v.PostInterrupt(0, 1, 0x41)
	if err != nil || !sent {
		t.Fatalf("first post got %v, %v, want notification", sent, err)
	}

	if sent, _ := v.PostInterrupt(0, 1, 0x42); sent {
		t.Fatal("second post sent another notification")
	}

	if _, err := v.PostInterrupt(2, 1, 0x41); !errors.Is(err, vmm.ErrNoSuchCore) {
		t.Fatalf("bad core got %v, want %v", err, vmm.ErrNoSuchCore)
	}

	if res, err := v.Run(context.Background(), 1); err != nil || res != vmexit.Reflected {
		t.Fatalf("run got %s, %v", res, err)
	}

	irr := make([]byte, 1)
	if _, err := v.Process().Mem.ReadAt(irr, vmm.APICVA+2*memory.PageSize+0x220); err != nil {
		t.Fatal(err)
	}

	if irr[0] != 0x06 {
		t.Fatalf("virtual irr got %#x, want 0x6", irr[0])
	}

	if v.Hardware().Cores()[1].Posted() == 0 {
		t.Fatal("core 1 processed no posted interrupts")
	}
}

func TestSetupErrors(t *testing.T) {
	t.Parallel()

	t.Run("too many gpcs", func(t *testing.T) {
		t.Parallel()

		v, _ := newVMM(t, testConfig(1, vmm.MaxGPCs+1))
		defer v.Teardown()

		if err := v.Setup(vmm.Busy(1)); !errors.Is(err, vmm.ErrTooManyGPCs) {
			t.Fatalf("got %v, want %v", err, vmm.ErrTooManyGPCs)
		}
	})

	t.Run("program too big", func(t *testing.T) {
		t.Parallel()

		v, _ := newVMM(t, testConfig(1, 1))
		defer v.Teardown()

		if err := v.Setup(make([]byte, vmm.CodeSize+1)); !errors.Is(err, vmm.ErrProgramTooBig) {
			t.Fatalf("got %v, want %v", err, vmm.ErrProgramTooBig)
		}
	})

	t.Run("twice", func(t *testing.T) {
		t.Parallel()

		v, _ := newVMM(t, testConfig(1, 1))
		defer v.Teardown()

		if err := v.Setup(vmm.Busy(1)); err != nil {
			t.Fatal(err)
		}

		if err := v.Setup(vmm.Busy(1)); !errors.Is(err, vmm.ErrAlreadySetUp) {
			t.Fatalf("got %v, want %v", err, vmm.ErrAlreadySetUp)
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(2, 8)
		cfg.Memory = "64k"

		v, _ := newVMM(t, cfg)
		defer v.Teardown()

		before := v.Memory().Live()

		if err := v.Setup(vmm.Busy(1)); !errors.Is(err, memory.ErrNoMemory) {
			t.Fatalf("got %v, want %v", err, memory.ErrNoMemory)
		}

		if after := v.Memory().Live(); after != before {
			t.Fatalf("live pages got %d, want %d", after, before)
		}

		if v.Process() != nil {
			t.Fatal("process kept after failed setup")
		}
	})
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(0, 1)

	if _, err := vmm.New(context.Background(), cfg, nil); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("got %v, want %v", err, config.ErrInvalid)
	}
}
