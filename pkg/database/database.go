// Package database moves the coordinator between database engines and keeps
// the engine's access configuration in step with the virtual and physical
// addresses of the controller.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/mnha/pkg/config"
	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/probe"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrUnsupportedEngine is returned for switch targets that keep no shared data
	ErrUnsupportedEngine = errors.New("unsupported database engine")

	// ErrEngineMismatch is returned when the shared volume holds another engine
	ErrEngineMismatch = errors.New("shared data was created with a different database engine")
)

// AddressSource yields the host's physical address
type AddressSource interface {
	PhysicalIP(ctx context.Context, iface, vip string) (string, error)
}

// Config configures a Controller
type Config struct {
	Engines map[types.Engine]config.EngineConfig

	CoordinatorService string
	BinDirs            []string

	// PackageInstall maps an OS family to the install argv prefix
	PackageInstall map[string][]string
}

// Request describes a switch to Target
type Request struct {
	Target     types.Engine
	VirtualIP  string
	Interface  string
	SharedRoot string
}

// Controller reconciles the coordinator's database engine
type Controller struct {
	exec   *executor.Executor
	probe  *probe.Prober
	addrs  AddressSource
	cfg    Config
	logger zerolog.Logger
}

// New creates a controller
func New(exec *executor.Executor, prober *probe.Prober, addrs AddressSource, cfg Config) *Controller {
	return &Controller{
		exec:   exec,
		probe:  prober,
		addrs:  addrs,
		cfg:    cfg,
		logger: log.WithComponent("database"),
	}
}

// VerifyShared fails with ErrEngineMismatch when the shared volume already
// carries data of an engine other than target
func (c *Controller) VerifyShared(root string, target types.Engine) error {
	if !c.probe.SharedDataPresent(root) {
		return nil
	}
	current, err := c.probe.CurrentEngine(root)
	if err != nil {
		return err
	}
	if current != target {
		return fmt.Errorf("%w: shared volume uses %s, requested %s", ErrEngineMismatch, current, target)
	}
	return nil
}

// Reconcile makes the local coordinator use req.Target. It does nothing when
// the local engine marker already names the target.
func (c *Controller) Reconcile(ctx context.Context, req Request) error {
	current, err := c.probe.CurrentEngine("")
	if err != nil {
		return err
	}
	if current == req.Target {
		c.logger.Info().Str("engine", string(current)).Msg("database engine already in place")
		return nil
	}

	ecfg, ok := c.cfg.Engines[req.Target]
	if !ok || !req.Target.Shared() {
		return fmt.Errorf("%w: cannot switch from %s to %s", ErrUnsupportedEngine, current, req.Target)
	}

	physicalIP, err := c.addrs.PhysicalIP(ctx, req.Interface, req.VirtualIP)
	if err != nil {
		return fmt.Errorf("failed to determine physical address: %w", err)
	}

	if err := c.InstallPackages(ctx, req.Target); err != nil {
		return err
	}

	if c.probe.SharedDataPresent(req.SharedRoot) {
		c.logger.Info().
			Str("engine", string(req.Target)).
			Msg("shared data present, configuring shared database for this host")
		return c.patch(req.Target, ecfg, req.SharedRoot, req.VirtualIP, physicalIP)
	}

	if err := c.ensureCoordinator(ctx); err != nil {
		return err
	}
	if err := c.initialize(ctx, req.Target, ecfg, req.VirtualIP, physicalIP); err != nil {
		return err
	}
	return c.patch(req.Target, ecfg, "", req.VirtualIP, physicalIP)
}

// InstallPackages installs the engine packages unless already present
func (c *Controller) InstallPackages(ctx context.Context, engine types.Engine) error {
	ecfg, ok := c.cfg.Engines[engine]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEngine, engine)
	}
	if c.probe.PackageInstalled(ctx, ecfg.CheckPackage) {
		c.logger.Debug().Str("engine", string(engine)).Msg("database packages already installed")
		return nil
	}

	install, ok := c.cfg.PackageInstall[c.probe.OSFamily()]
	if !ok || len(install) == 0 {
		return fmt.Errorf("no package manager configured for OS family %q", c.probe.OSFamily())
	}
	args := append(append([]string{}, install[1:]...), ecfg.Packages...)
	if err := c.exec.Execute(ctx, executor.Command{Name: install[0], Args: args}); err != nil {
		return fmt.Errorf("failed to install %s packages: %w", engine, err)
	}
	return nil
}

func (c *Controller) ensureCoordinator(ctx context.Context) error {
	if !c.probe.ServiceRunning(ctx, c.cfg.CoordinatorService) {
		cmd := executor.Command{
			Name:    "systemctl",
			Args:    []string{"restart", c.cfg.CoordinatorService},
			Retries: c.exec.Retries(),
		}
		if err := c.exec.Execute(ctx, cmd); err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}
	}
	c.exec.AugmentPath(c.cfg.BinDirs)
	return nil
}

// initialize runs the engine's setup tool, which creates the database,
// migrates the coordinator onto it and writes the engine marker
func (c *Controller) initialize(ctx context.Context, engine types.Engine, ecfg config.EngineConfig, vip, physicalIP string) error {
	if ecfg.HostFile != "" {
		if c.exec.DryRun() {
			c.logger.Debug().Msgf("write %s [Dryrun]", ecfg.HostFile)
		} else {
			if err := os.MkdirAll(filepath.Dir(ecfg.HostFile), 0755); err != nil {
				return fmt.Errorf("failed to create host file directory: %w", err)
			}
			if err := os.WriteFile(ecfg.HostFile, []byte(physicalIP+"\n"+vip+"\n"), 0600); err != nil {
				return fmt.Errorf("failed to write host file: %w", err)
			}
		}
	}

	argv := expand(ecfg.Init, map[string]string{
		"{vip}":         vip,
		"{physical_ip}": physicalIP,
		"{hostfile}":    ecfg.HostFile,
	})
	cmd := executor.Command{
		Name:    argv[0],
		Args:    argv[1:],
		Env:     ecfg.Env,
		Display: maskedDisplay(argv, ecfg.Env),
	}
	if err := c.exec.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("failed to switch to %s: %w", engine, err)
	}
	c.logger.Info().Str("engine", string(engine)).Msg("coordinator switched to database engine")
	return nil
}

// patch grants both addresses access to the engine. Only PostgreSQL keeps
// host access in files; MariaDB grants live in the database itself.
func (c *Controller) patch(engine types.Engine, ecfg config.EngineConfig, root, vip, physicalIP string) error {
	if engine != types.EnginePostgreSQL {
		return nil
	}
	if err := c.patchHBA(filepath.Join(root, ecfg.HBAConf), vip, physicalIP); err != nil {
		return err
	}
	return c.patchListen(filepath.Join(root, ecfg.MainConf), vip, physicalIP)
}

func (c *Controller) patchHBA(path string, addrs ...string) error {
	if _, err := os.Stat(path); err != nil {
		c.logger.Debug().Str("file", path).Msg("access configuration not found, skipping")
		return nil
	}
	for _, ip := range addrs {
		line := "host all all " + ip + "/32 md5"
		if c.exec.DryRun() {
			c.logger.Debug().Msgf("append %q to %s [Dryrun]", line, path)
			continue
		}
		changed, err := marker.AppendLine(path, line)
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", path, err)
		}
		if changed {
			c.logger.Debug().Msgf("added %q to %s", line, path)
		}
	}
	return nil
}

func (c *Controller) patchListen(path string, addrs ...string) error {
	lines, err := marker.ReadLines(path)
	if err != nil {
		return err
	}
	if lines == nil {
		c.logger.Debug().Str("file", path).Msg("server configuration not found, skipping")
		return nil
	}

	var listen []string
	for _, l := range lines {
		if isListenLine(l) {
			listen = parseListen(l)
			break
		}
	}

	updated, changed := mergeListen(listen, addrs...)
	if !changed {
		return nil
	}

	replacement := fmt.Sprintf("listen_addresses = '%s'", strings.Join(updated, ","))
	if c.exec.DryRun() {
		c.logger.Debug().Msgf("set %q in %s [Dryrun]", replacement, path)
		return nil
	}
	if err := marker.ReplaceLines(path, isListenLine, replacement); err != nil {
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	c.logger.Debug().Msgf("set %q in %s", replacement, path)
	return nil
}

func isListenLine(l string) bool {
	return strings.HasPrefix(strings.TrimSpace(l), "listen_addresses")
}

// parseListen extracts the quoted address list of a listen_addresses line
func parseListen(line string) []string {
	parts := strings.Split(line, "'")
	if len(parts) < 2 {
		return nil
	}
	var out []string
	for _, a := range strings.Split(parts[1], ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func mergeListen(current []string, addrs ...string) ([]string, bool) {
	if len(current) == 0 {
		current = []string{"localhost"}
	}
	out := append([]string{}, current...)
	changed := false
	for _, a := range addrs {
		found := false
		for _, c := range out {
			if c == a || c == "*" {
				found = true
				break
			}
		}
		if !found {
			out = append(out, a)
			changed = true
		}
	}
	return out, changed
}

func expand(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

// maskedDisplay renders the command with its environment, values hidden
func maskedDisplay(argv, env []string) string {
	cmd := strings.Join(argv, " ")
	if len(env) == 0 {
		return cmd
	}
	var b strings.Builder
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		b.WriteString("export " + key + "=xxxxxx;")
	}
	return b.String() + cmd
}
