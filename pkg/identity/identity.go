// Package identity moves the virtual network identity (address, hostname,
// resolver entry) onto and off the local host, and keeps the record of the
// host's physical identity needed to give it back.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/probe"
	"github.com/cuemby/mnha/pkg/resolve"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultNetmask applies when no netmask is given
const DefaultNetmask = "255.255.255.0"

var (
	// ErrConflict means another host already answers on the virtual address
	ErrConflict = errors.New("virtual address already in use")

	// ErrStillBound means the virtual address survived revocation
	ErrStillBound = errors.New("virtual address still bound")
)

// Config configures a Switcher
type Config struct {
	HostsFile  string
	ResolvConf string

	// LocalRecord is the node-local origin record
	LocalRecord string

	// SharedRecord is the origin record as seen through the relocated
	// coordinator configuration directory
	SharedRecord string
}

// Switcher assigns and revokes the virtual identity
type Switcher struct {
	exec     *executor.Executor
	probe    *probe.Prober
	resolver *resolve.Resolver
	cfg      Config
	logger   zerolog.Logger
}

// New creates a switcher
func New(exec *executor.Executor, prober *probe.Prober, resolver *resolve.Resolver, cfg Config) *Switcher {
	return &Switcher{
		exec:     exec,
		probe:    prober,
		resolver: resolver,
		cfg:      cfg,
		logger:   log.WithComponent("identity"),
	}
}

// CheckConflict returns ErrConflict when another host answers on vip. An
// address already bound locally belongs to this host and is not a conflict.
func (s *Switcher) CheckConflict(ctx context.Context, vip string) error {
	if !s.exec.DryRun() {
		bound, err := s.probe.AddressBound(ctx, vip)
		if err != nil {
			return err
		}
		if bound {
			s.logger.Info().Str("vip", vip).Msg("virtual address already held by this host")
			return nil
		}
	}
	if s.probe.VirtualAddressReachable(ctx, vip) {
		return fmt.Errorf("%w: %s answers, the controller role may be active elsewhere", ErrConflict, vip)
	}
	return nil
}

// Assign binds the virtual identity to this host. Callers run CheckConflict
// first; Assign itself only mutates.
func (s *Switcher) Assign(ctx context.Context, vid types.VirtualIdentity) error {
	if vid.Netmask == "" {
		vid.Netmask = DefaultNetmask
	}

	if _, err := s.SaveOrigin(ctx, vid); err != nil {
		return err
	}

	if err := s.bind(ctx, vid); err != nil {
		return err
	}

	if err := s.appendLine(s.cfg.ResolvConf, "nameserver "+vid.IP); err != nil {
		return fmt.Errorf("failed to update resolver configuration: %w", err)
	}

	if err := s.addHosts(vid.IP, vid.Hostname); err != nil {
		return err
	}

	if err := s.exec.Execute(ctx, executor.Command{Name: "hostname", Args: []string{vid.Hostname}}); err != nil {
		return fmt.Errorf("failed to set hostname: %w", err)
	}

	s.logger.Info().
		Str("vip", vid.IP).
		Str("interface", vid.Interface).
		Str("hostname", vid.Hostname).
		Msg("virtual identity assigned")
	return nil
}

func (s *Switcher) bind(ctx context.Context, vid types.VirtualIdentity) error {
	prefix, err := vid.Prefix()
	if err != nil {
		return err
	}

	if !s.exec.DryRun() {
		bound, err := s.probe.AddressBound(ctx, vid.IP)
		if err != nil {
			return err
		}
		if bound {
			s.logger.Debug().Str("vip", vid.IP).Msg("virtual address already bound")
			return nil
		}
	}

	cmd := executor.Command{
		Name: "ip",
		Args: []string{"addr", "add", vid.IP + "/" + strconv.Itoa(prefix), "dev", vid.BaseInterface(), "label", vid.Interface},
	}
	if err := s.exec.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", vid.IP, vid.Interface, err)
	}
	return nil
}

// Revoke removes the virtual address from iface and verifies it is gone
func (s *Switcher) Revoke(ctx context.Context, iface, vip, netmask string) error {
	if netmask == "" {
		netmask = DefaultNetmask
	}
	prefix, err := types.MaskPrefix(netmask)
	if err != nil {
		return err
	}

	cmd := executor.Command{
		Name:          "ip",
		Args:          []string{"addr", "del", vip + "/" + strconv.Itoa(prefix), "dev", types.BaseInterface(iface)},
		IgnoreFailure: true,
	}
	if err := s.exec.Execute(ctx, cmd); err != nil {
		return err
	}

	if s.exec.DryRun() {
		return nil
	}
	bound, err := s.probe.AddressBound(ctx, vip)
	if err != nil {
		return err
	}
	if bound {
		return fmt.Errorf("%w: %s on %s", ErrStillBound, vip, iface)
	}
	s.logger.Info().Str("vip", vip).Str("interface", iface).Msg("virtual address revoked")
	return nil
}

// SaveOrigin records the host's physical identity before it is replaced. It
// does nothing when the hostname already is the virtual one or an origin for
// this host is already recorded.
func (s *Switcher) SaveOrigin(ctx context.Context, vid types.VirtualIdentity) (types.Origin, error) {
	hostname, err := s.exec.Query(ctx, "hostname")
	if err != nil {
		return types.Origin{}, fmt.Errorf("failed to read hostname: %w", err)
	}

	if sameHost(hostname, vid.Hostname) {
		s.logger.Debug().Str("hostname", hostname).Msg("hostname already switched, origin not recorded")
		return types.Origin{}, nil
	}

	if existing, ok, err := s.LoadOrigin(ctx); err != nil {
		return types.Origin{}, err
	} else if ok {
		s.logger.Debug().Str("origin", existing.Line()).Msg("origin already recorded")
		return existing, nil
	}

	ip, err := s.resolver.LookupHost(ctx, hostname)
	if err != nil || ip == vid.IP {
		s.logger.Debug().Err(err).Str("hostname", hostname).Msg("hostname not resolvable, using interface address")
		ip, err = s.probe.InterfaceAddress(ctx, vid.Interface, vid.IP)
		if err != nil {
			return types.Origin{}, fmt.Errorf("failed to determine physical address: %w", err)
		}
	}

	origin := types.Origin{Hostname: hostname, IP: ip}
	if err := s.appendLine(s.cfg.LocalRecord, origin.Line()); err != nil {
		return types.Origin{}, fmt.Errorf("failed to record origin: %w", err)
	}
	s.logger.Info().Str("origin", origin.Line()).Msg("origin recorded")
	return origin, nil
}

// LoadOrigin returns the recorded origin of this host: the first entry of the
// node-local record, then of the shared record, whose address is bound here.
func (s *Switcher) LoadOrigin(ctx context.Context) (types.Origin, bool, error) {
	var candidates []types.Origin
	for _, path := range []string{s.cfg.LocalRecord, s.cfg.SharedRecord} {
		if path == "" {
			continue
		}
		origins, err := marker.ReadOrigins(path)
		if err != nil {
			return types.Origin{}, false, err
		}
		candidates = append(candidates, origins...)
	}
	if len(candidates) == 0 {
		return types.Origin{}, false, nil
	}

	addrs, err := s.probe.LocalAddresses(ctx)
	if err != nil {
		return types.Origin{}, false, err
	}
	local := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		local[a.IP] = true
	}

	for _, o := range candidates {
		if local[o.IP] {
			return o, true, nil
		}
	}
	return types.Origin{}, false, nil
}

// RestoreOrigin gives the host its physical hostname back. A missing origin
// is logged and tolerated.
func (s *Switcher) RestoreOrigin(ctx context.Context) (types.Origin, error) {
	origin, ok, err := s.LoadOrigin(ctx)
	if err != nil {
		return types.Origin{}, err
	}
	if !ok {
		s.logger.Warn().Msg("no origin recorded for this host, keeping current hostname")
		return types.Origin{}, nil
	}

	if err := s.addHosts(origin.IP, origin.Hostname); err != nil {
		return origin, err
	}
	if err := s.exec.Execute(ctx, executor.Command{Name: "hostname", Args: []string{origin.Hostname}}); err != nil {
		return origin, fmt.Errorf("failed to restore hostname: %w", err)
	}
	s.logger.Info().Str("hostname", origin.Hostname).Msg("origin hostname restored")
	return origin, nil
}

// PhysicalIP returns the host's physical address: the recorded origin, else
// the first non-virtual address on the interface
func (s *Switcher) PhysicalIP(ctx context.Context, iface, vip string) (string, error) {
	origin, ok, err := s.LoadOrigin(ctx)
	if err != nil {
		return "", err
	}
	if ok {
		return origin.IP, nil
	}
	return s.probe.InterfaceAddress(ctx, iface, vip)
}

// ResolveVirtualHostname maps the virtual address back to its name
func (s *Switcher) ResolveVirtualHostname(ctx context.Context, vip string) (string, error) {
	name, err := s.resolver.LookupAddr(ctx, vip)
	if err != nil {
		return "", fmt.Errorf("failed to resolve hostname of %s: %w", vip, err)
	}
	return name, nil
}

// addHosts maps ip to hostname and, for dotted names, to the short name
func (s *Switcher) addHosts(ip, hostname string) error {
	lines := []string{ip + " " + hostname}
	if short := types.ShortName(hostname); short != hostname {
		lines = append(lines, ip+" "+short)
	}
	for _, l := range lines {
		if err := s.appendLine(s.cfg.HostsFile, l); err != nil {
			return fmt.Errorf("failed to update hosts file: %w", err)
		}
	}
	return nil
}

func (s *Switcher) appendLine(path, line string) error {
	if s.exec.DryRun() {
		s.logger.Debug().Msgf("append %q to %s [Dryrun]", line, path)
		return nil
	}
	changed, err := marker.AppendLine(path, line)
	if err == nil && changed {
		s.logger.Debug().Msgf("appended %q to %s", line, path)
	}
	return err
}

func sameHost(a, b string) bool {
	return strings.EqualFold(a, b) || strings.EqualFold(types.ShortName(a), types.ShortName(b))
}
