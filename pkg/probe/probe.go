package probe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/rs/zerolog"
)

// Config configures a Prober
type Config struct {
	PingTimeout time.Duration
	TCPTimeout  time.Duration
	// TCPPorts are dialed on the virtual address in addition to ping
	TCPPorts []int

	EngineMarker  string
	AuthorityPath string
	OSRelease     string

	// PackageQuery maps an OS family to the argv prefix that checks a package
	PackageQuery map[string][]string
}

// Prober answers read-only questions about the local host and the shared
// volume. Queries run even in dry-run mode; the answers that would gate a
// mutation are forced so that a dry run walks the whole plan.
type Prober struct {
	exec   *executor.Executor
	cfg    Config
	logger zerolog.Logger

	family string
}

// New creates a prober
func New(exec *executor.Executor, cfg Config) *Prober {
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 10 * time.Second
	}
	if cfg.TCPTimeout <= 0 {
		cfg.TCPTimeout = 2 * time.Second
	}
	if cfg.OSRelease == "" {
		cfg.OSRelease = "/etc/os-release"
	}
	return &Prober{
		exec:   exec,
		cfg:    cfg,
		logger: log.WithComponent("probe"),
	}
}

// VirtualAddressReachable reports whether something already answers on addr.
// Ping and, when configured, TCP connects to the coordinator ports are tried
// in order; any success means the address is in use.
func (p *Prober) VirtualAddressReachable(ctx context.Context, addr string) bool {
	if p.exec.DryRun() {
		p.logger.Debug().Str("address", addr).Msg("reachability probe [Dryrun]")
		return false
	}

	timeout := strconv.Itoa(int(p.cfg.PingTimeout.Seconds()))
	checkers := []Checker{
		NewExecChecker(p.exec.Runner(), "ping", "-c", "1", "-w", timeout, addr).
			WithTimeout(p.cfg.PingTimeout + time.Second),
	}
	for _, port := range p.cfg.TCPPorts {
		checkers = append(checkers,
			NewTCPChecker(net.JoinHostPort(addr, strconv.Itoa(port))).WithTimeout(p.cfg.TCPTimeout))
	}

	res, ok := Any(ctx, checkers...)
	if ok {
		p.logger.Warn().Str("address", addr).Msg(res.Message)
	}
	return ok
}

// ServiceRunning reports whether a unit is active
func (p *Prober) ServiceRunning(ctx context.Context, unit string) bool {
	if p.exec.DryRun() {
		return true
	}
	return NewExecChecker(p.exec.Runner(), "systemctl", "status", unit).Check(ctx).OK
}

// PackageInstalled reports whether a package is installed, using the query
// tool of the detected OS family
func (p *Prober) PackageInstalled(ctx context.Context, pkg string) bool {
	if p.exec.DryRun() {
		return true
	}
	query, ok := p.cfg.PackageQuery[p.OSFamily()]
	if !ok || len(query) == 0 {
		query = []string{"rpm", "-q"}
	}
	argv := append(append([]string{}, query...), pkg)
	return NewExecChecker(p.exec.Runner(), argv...).Check(ctx).OK
}

// CurrentEngine reads the engine marker under root ("" for the local one)
func (p *Prober) CurrentEngine(root string) (types.Engine, error) {
	return marker.ReadEngine(filepath.Join(root, p.cfg.EngineMarker))
}

// SharedDataPresent reports whether the shared volume already carries
// authoritative coordinator data
func (p *Prober) SharedDataPresent(root string) bool {
	_, err := os.Stat(filepath.Join(root, p.cfg.AuthorityPath))
	return err == nil
}

// SharedRootMode returns the permission bits of the shared root
func (p *Prober) SharedRootMode(root string) (fs.FileMode, error) {
	info, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("failed to stat shared root: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("shared root %s is not a directory", root)
	}
	return info.Mode().Perm(), nil
}

// SharedRootExists reports whether root is an existing directory
func (p *Prober) SharedRootExists(root string) bool {
	info, err := os.Stat(root)
	return err == nil && info.IsDir()
}

// Address is one IPv4 address bound to the host
type Address struct {
	Device string
	Label  string
	IP     string
	Prefix int
}

// LocalAddresses lists the IPv4 addresses bound to the host
func (p *Prober) LocalAddresses(ctx context.Context) ([]Address, error) {
	out, err := p.exec.Query(ctx, "ip", "-o", "-4", "addr", "show")
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	return parseAddresses(out), nil
}

// AddressBound reports whether ip is bound to any local interface
func (p *Prober) AddressBound(ctx context.Context, ip string) (bool, error) {
	addrs, err := p.LocalAddresses(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if a.IP == ip {
			return true, nil
		}
	}
	return false, nil
}

// ErrNoAddress is returned when an interface carries no usable address
var ErrNoAddress = errors.New("no address on interface")

// InterfaceAddress returns the first address on the base device of iface
// other than exclude
func (p *Prober) InterfaceAddress(ctx context.Context, iface, exclude string) (string, error) {
	addrs, err := p.LocalAddresses(ctx)
	if err != nil {
		return "", err
	}
	base := types.BaseInterface(iface)
	for _, a := range addrs {
		if a.Device == base && a.IP != exclude {
			return a.IP, nil
		}
	}
	return "", fmt.Errorf("%w %s", ErrNoAddress, base)
}

// parseAddresses reads "ip -o -4 addr show" output:
//
//	2: eth0    inet 10.0.0.4/24 brd 10.0.0.255 scope global eth0\       valid_lft forever
//	2: eth0    inet 10.0.0.5/24 scope global secondary eth0:1\       valid_lft forever
func parseAddresses(out string) []Address {
	var addrs []Address
	for _, line := range strings.Split(out, "\n") {
		if i := strings.IndexByte(line, '\\'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[2] != "inet" {
			continue
		}
		ip, prefix, ok := strings.Cut(fields[3], "/")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		addrs = append(addrs, Address{
			Device: fields[1],
			Label:  fields[len(fields)-1],
			IP:     ip,
			Prefix: n,
		})
	}
	return addrs
}
