// Package services starts, stops, enables and disables the managed units in
// dependency order. The database and the coordinator are required; every
// other unit is best effort and its failure is reported, not raised.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/mnha/pkg/config"
	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/probe"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/rs/zerolog"
)

// HostsLookup finds the long hosts-file name of a host
type HostsLookup interface {
	LongName(host, ip string) (string, bool, error)
}

// Config configures a Controller
type Config struct {
	// Databases maps each shared engine to its unit name
	Databases map[types.Engine]string

	Coordinator string
	BinDirs     []string

	Naming               string
	NamingRegenerate     [][]string
	Addressing           string
	AddressingRegenerate [][]string
	TimeSync             string
	Consoles             []config.ConsoleConfig

	ConsoleLock string
	DomainQuery []string
}

// Failure is a unit that could not be brought to the requested state
type Failure struct {
	Unit string
	Err  error
}

// Report collects the outcome of a lifecycle pass
type Report struct {
	Done    []string
	Skipped []string
	Failed  []Failure
}

// Err joins the recorded failures, or returns nil
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", f.Unit, f.Err))
	}
	return errors.Join(errs...)
}

func (r *Report) fail(unit string, err error) {
	r.Failed = append(r.Failed, Failure{Unit: unit, Err: err})
}

// Controller drives the managed units
type Controller struct {
	exec   *executor.Executor
	probe  *probe.Prober
	hosts  HostsLookup
	cfg    Config
	logger zerolog.Logger
}

// New creates a controller
func New(exec *executor.Executor, prober *probe.Prober, hosts HostsLookup, cfg Config) *Controller {
	return &Controller{
		exec:   exec,
		probe:  prober,
		hosts:  hosts,
		cfg:    cfg,
		logger: log.WithComponent("services"),
	}
}

// Plan returns the units for engine in start order
func (c *Controller) Plan(engine types.Engine) []types.Unit {
	var units []types.Unit
	if name, ok := c.cfg.Databases[engine]; ok && engine.Shared() {
		units = append(units, types.Unit{Name: name, Role: types.RoleDatabase})
	}
	units = append(units, types.Unit{Name: c.cfg.Coordinator, Role: types.RoleCoordinator})
	if c.cfg.Naming != "" {
		units = append(units, types.Unit{Name: c.cfg.Naming, Role: types.RoleNaming})
	}
	if c.cfg.Addressing != "" {
		units = append(units, types.Unit{Name: c.cfg.Addressing, Role: types.RoleAddressing})
	}
	if c.cfg.TimeSync != "" {
		units = append(units, types.Unit{Name: c.cfg.TimeSync, Role: types.RoleTimeSync})
	}
	if console, ok := c.console(); ok {
		units = append(units, types.Unit{Name: console.Name, Role: types.RoleConsole})
	}
	return units
}

// console picks the console variant recorded in the lock file: the longest
// variant name found in its content, else the first variant. Without a lock
// no console is managed.
func (c *Controller) console() (config.ConsoleConfig, bool) {
	if len(c.cfg.Consoles) == 0 || c.cfg.ConsoleLock == "" {
		return config.ConsoleConfig{}, false
	}
	content, ok, err := marker.ReadConsoleLock(c.cfg.ConsoleLock)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read console lock")
		return config.ConsoleConfig{}, false
	}
	if !ok {
		return config.ConsoleConfig{}, false
	}

	best := -1
	for i, con := range c.cfg.Consoles {
		if strings.Contains(content, con.Name) && (best < 0 || len(con.Name) > len(c.cfg.Consoles[best].Name)) {
			best = i
		}
	}
	if best < 0 {
		best = 0
	}
	return c.cfg.Consoles[best], true
}

func reversed(units []types.Unit) []types.Unit {
	out := make([]types.Unit, len(units))
	for i, u := range units {
		out[len(units)-1-i] = u
	}
	return out
}

func (c *Controller) systemctl(ctx context.Context, action, unit string, retries int) error {
	return c.exec.Execute(ctx, executor.Command{
		Name:    "systemctl",
		Args:    []string{action, unit},
		Retries: retries,
	})
}

// StartAll starts the plan for engine. The database and the coordinator are
// required; the naming and addressing units start through their
// regeneration tools, and only when the site domain is configured.
func (c *Controller) StartAll(ctx context.Context, engine types.Engine, hostname, vip string) (Report, error) {
	var report Report
	domainChecked, domainSet := false, false

	for _, u := range c.Plan(engine) {
		switch u.Role {
		case types.RoleDatabase, types.RoleCoordinator:
			if err := c.systemctl(ctx, "start", u.Name, c.exec.Retries()); err != nil {
				return report, fmt.Errorf("failed to start %s: %w", u.Name, err)
			}
			if u.Role == types.RoleCoordinator {
				c.exec.AugmentPath(c.cfg.BinDirs)
			}
			report.Done = append(report.Done, u.Name)

		case types.RoleNaming:
			if !domainChecked {
				domainSet, domainChecked = c.domainConfigured(ctx), true
			}
			if !domainSet {
				c.logger.Warn().Str("unit", u.Name).Msg(`"domain" is not set in the site table, not starting`)
				report.Skipped = append(report.Skipped, u.Name)
				continue
			}
			long, ok, err := c.hosts.LongName(hostname, vip)
			if err != nil || !ok {
				c.logger.Warn().Err(err).Str("unit", u.Name).Msg("long hostname not in hosts file, not starting")
				report.Skipped = append(report.Skipped, u.Name)
				continue
			}
			c.logger.Debug().Str("hostname", long).Msg("long hostname found")
			if err := c.regenerate(ctx, c.cfg.NamingRegenerate); err != nil {
				report.fail(u.Name, err)
				continue
			}
			report.Done = append(report.Done, u.Name)

		case types.RoleAddressing:
			if !domainChecked {
				domainSet, domainChecked = c.domainConfigured(ctx), true
			}
			if !domainSet {
				c.logger.Warn().Str("unit", u.Name).Msg(`"domain" is not set in the site table, not starting`)
				report.Skipped = append(report.Skipped, u.Name)
				continue
			}
			if err := c.regenerate(ctx, c.cfg.AddressingRegenerate); err != nil {
				report.fail(u.Name, err)
				continue
			}
			report.Done = append(report.Done, u.Name)

		case types.RoleConsole:
			if con, ok := c.console(); ok {
				if err := c.regenerate(ctx, [][]string{con.Regenerate}); err != nil {
					report.fail(u.Name, err)
					continue
				}
			}
			if err := c.systemctl(ctx, "start", u.Name, 0); err != nil {
				report.fail(u.Name, err)
				continue
			}
			report.Done = append(report.Done, u.Name)

		default:
			if err := c.systemctl(ctx, "start", u.Name, 0); err != nil {
				report.fail(u.Name, err)
				continue
			}
			report.Done = append(report.Done, u.Name)
		}
	}

	if len(report.Failed) > 0 {
		c.logger.Warn().Err(report.Err()).Msg("some services failed to start")
	}
	return report, nil
}

// regenerate runs a unit's configuration tools in order
func (c *Controller) regenerate(ctx context.Context, tools [][]string) error {
	for _, argv := range tools {
		if len(argv) == 0 {
			continue
		}
		if err := c.exec.Execute(ctx, executor.Command{Name: argv[0], Args: argv[1:]}); err != nil {
			return err
		}
	}
	return nil
}

// domainConfigured asks the coordinator whether the site domain is set
func (c *Controller) domainConfigured(ctx context.Context) bool {
	if len(c.cfg.DomainQuery) == 0 {
		return false
	}
	out, err := c.exec.Query(ctx, c.cfg.DomainQuery[0], c.cfg.DomainQuery[1:]...)
	if err != nil {
		c.logger.Debug().Err(err).Msg("site domain query failed")
		return false
	}
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && key == "domain" && strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
}

// StopAll records the running console variant, then stops the plan in
// reverse order
func (c *Controller) StopAll(ctx context.Context, engine types.Engine) (Report, error) {
	var report Report

	if err := c.recordConsole(ctx); err != nil {
		return report, err
	}

	for _, u := range reversed(c.Plan(engine)) {
		if err := c.systemctl(ctx, "stop", u.Name, 0); err != nil {
			report.fail(u.Name, err)
			continue
		}
		report.Done = append(report.Done, u.Name)
	}
	return report, nil
}

func (c *Controller) recordConsole(ctx context.Context) error {
	if len(c.cfg.Consoles) == 0 || c.cfg.ConsoleLock == "" {
		return nil
	}
	var running []string
	for _, con := range c.cfg.Consoles {
		out, err := c.exec.Query(ctx, "pgrep", "-a", "-x", con.Name)
		if err == nil && out != "" {
			running = append(running, out)
		}
	}
	if len(running) == 0 {
		return nil
	}

	content := strings.Join(running, "\n") + "\n"
	if c.exec.DryRun() {
		c.logger.Debug().Msgf("write %q to %s [Dryrun]", content, c.cfg.ConsoleLock)
		return nil
	}
	if err := marker.WriteConsoleLock(c.cfg.ConsoleLock, content); err != nil {
		return err
	}
	c.logger.Debug().Msgf("recorded running console in %s", c.cfg.ConsoleLock)
	return nil
}

// DisableAll keeps the plan from starting at boot, in reverse order
func (c *Controller) DisableAll(ctx context.Context, engine types.Engine) Report {
	var report Report
	for _, u := range reversed(c.Plan(engine)) {
		if err := c.systemctl(ctx, "disable", u.Name, 0); err != nil {
			report.fail(u.Name, err)
			continue
		}
		report.Done = append(report.Done, u.Name)
	}
	return report
}

// EnableAll makes the plan start at boot, in start order
func (c *Controller) EnableAll(ctx context.Context, engine types.Engine) Report {
	var report Report
	for _, u := range c.Plan(engine) {
		if err := c.systemctl(ctx, "enable", u.Name, 0); err != nil {
			report.fail(u.Name, err)
			continue
		}
		report.Done = append(report.Done, u.Name)
	}
	return report
}

// RestartCore restarts the database and, if it is down, the coordinator
func (c *Controller) RestartCore(ctx context.Context, engine types.Engine) error {
	if name, ok := c.cfg.Databases[engine]; ok && engine.Shared() {
		if err := c.systemctl(ctx, "restart", name, c.exec.Retries()); err != nil {
			return fmt.Errorf("failed to restart %s: %w", name, err)
		}
	}
	if !c.probe.ServiceRunning(ctx, c.cfg.Coordinator) {
		if err := c.systemctl(ctx, "restart", c.cfg.Coordinator, c.exec.Retries()); err != nil {
			return fmt.Errorf("failed to restart %s: %w", c.cfg.Coordinator, err)
		}
	}
	c.exec.AugmentPath(c.cfg.BinDirs)
	return nil
}
