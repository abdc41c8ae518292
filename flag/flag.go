package flag

import (
	"fmt"
	"time"

	"github.com/bobuhiro11/govmx/config"
)

// CLI is the command line of govmx.
type CLI struct {
	Profile    string `enum:"cpu,mem,none" default:"none" help:"write a cpu or mem profile"`
	ProfileDir string `default:"." type:"path" help:"directory the profile is written to"`

	Probe ProbeCMD `cmd:"" help:"report the VMX capabilities of the host processor"`
	Run   RunCMD   `cmd:"" default:"1" help:"run the demo guest on a simulated machine"`
}

// ProbeCMD reads the capability MSRs of one host core.
type ProbeCMD struct {
	Core int `short:"c" default:"0" help:"host core whose msr device is read"`
}

// RunCMD boots a simulated machine and runs one process on it. Flags
// that are set override the config file.
type RunCMD struct {
	File      string        `name:"config" short:"f" type:"existingfile" help:"toml config file"`
	Cores     int           `short:"c" help:"number of cores"`
	GPCs      int           `name:"gpcs" short:"g" help:"number of guest cores"`
	Memory    string        `short:"m" help:"memory limit: as number[gGmMkK], optional units, defaults to M"`
	Message   string        `short:"p" help:"line the guest prints"`
	LogLevel  string        `short:"l" help:"logrus level"`
	NoConsole bool          `help:"drop what the guest prints"`
	Migrate   time.Duration `default:"0s" help:"rotate the guests across cores at this interval, 0 disables"`
	Timeout   time.Duration `short:"t" default:"30s" help:"give up after this long"`
}

// Config merges the config file, if any, with the flags that are set.
func (r *RunCMD) Config() (config.Config, error) {
	c := config.Default()

	if r.File != "" {
		var err error
		if c, err = config.Load(r.File); err != nil {
			return c, err
		}
	}

	if r.Cores != 0 {
		c.Cores = r.Cores
	}

	if r.GPCs != 0 {
		c.GPCs = r.GPCs
	}

	if r.Memory != "" {
		c.Memory = r.Memory
	}

	if r.Message != "" {
		c.Message = r.Message
	}

	if r.LogLevel != "" {
		c.LogLevel = r.LogLevel
	}

	if r.NoConsole {
		c.Console = false
	}

	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}

	return c, nil
}
