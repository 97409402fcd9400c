// Package resolve maps names to addresses and back, consulting the hosts
// file before the DNS servers listed in resolv.conf.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/miekg/dns"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when neither the hosts file nor DNS has an answer
var ErrNotFound = errors.New("name not found")

// Config configures a Resolver
type Config struct {
	HostsFile  string
	ResolvConf string

	// Servers overrides the nameservers from ResolvConf ("host:port")
	Servers []string

	Timeout time.Duration
}

// Resolver performs forward and reverse lookups
type Resolver struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a resolver
func New(cfg Config) *Resolver {
	if cfg.HostsFile == "" {
		cfg.HostsFile = "/etc/hosts"
	}
	if cfg.ResolvConf == "" {
		cfg.ResolvConf = "/etc/resolv.conf"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Resolver{
		cfg:    cfg,
		logger: log.WithComponent("resolve"),
	}
}

// HostsFile returns the hosts file path
func (r *Resolver) HostsFile() string {
	return r.cfg.HostsFile
}

// LookupHost returns the first IPv4 address of name
func (r *Resolver) LookupHost(ctx context.Context, name string) (string, error) {
	if ip, ok, err := r.hostsAddress(name); err != nil || ok {
		return ip, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

// LookupAddr returns the canonical name of ip
func (r *Resolver) LookupAddr(ctx context.Context, ip string) (string, error) {
	if name, ok, err := r.hostsName(ip); err != nil || ok {
		return name, err
	}

	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", ip, err)
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	resp, err := r.exchange(ctx, m)
	if err != nil {
		return "", err
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			return strings.TrimSuffix(ptr.Ptr, "."), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ip)
}

// MapsTo reports whether the hosts file maps name to ip
func (r *Resolver) MapsTo(name, ip string) (bool, error) {
	entries, err := r.hosts()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ip != ip {
			continue
		}
		for _, n := range e.names {
			if strings.EqualFold(n, name) {
				return true, nil
			}
		}
	}
	return false, nil
}

// LongName returns the dotted hosts-file name that maps ip and shares its
// first label with host
func (r *Resolver) LongName(host, ip string) (string, bool, error) {
	entries, err := r.hosts()
	if err != nil {
		return "", false, err
	}
	short := types.ShortName(host)
	for _, e := range entries {
		if e.ip != ip {
			continue
		}
		for _, n := range e.names {
			if strings.Contains(n, ".") && strings.EqualFold(types.ShortName(n), short) {
				return n, true, nil
			}
		}
	}
	return "", false, nil
}

type hostsEntry struct {
	ip    string
	names []string
}

func (r *Resolver) hosts() ([]hostsEntry, error) {
	lines, err := marker.ReadLines(r.cfg.HostsFile)
	if err != nil {
		return nil, err
	}
	var entries []hostsEntry
	for _, line := range lines {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || net.ParseIP(fields[0]) == nil {
			continue
		}
		entries = append(entries, hostsEntry{ip: fields[0], names: fields[1:]})
	}
	return entries, nil
}

func (r *Resolver) hostsAddress(name string) (string, bool, error) {
	entries, err := r.hosts()
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if net.ParseIP(e.ip).To4() == nil {
			continue
		}
		for _, n := range e.names {
			if strings.EqualFold(n, name) {
				return e.ip, true, nil
			}
		}
	}
	return "", false, nil
}

func (r *Resolver) hostsName(ip string) (string, bool, error) {
	entries, err := r.hosts()
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.ip == ip {
			return e.names[0], true, nil
		}
	}
	return "", false, nil
}

func (r *Resolver) servers() ([]string, error) {
	if len(r.cfg.Servers) > 0 {
		return r.cfg.Servers, nil
	}
	cc, err := dns.ClientConfigFromFile(r.cfg.ResolvConf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.cfg.ResolvConf, err)
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers, nil
}

// exchange tries each nameserver in turn
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, error) {
	servers, err := r.servers()
	if err != nil {
		return nil, err
	}

	client := &dns.Client{Net: "udp", Timeout: r.cfg.Timeout}
	question := m.Question[0].Name

	for _, server := range servers {
		resp, _, err := client.ExchangeContext(ctx, m, server)
		if err != nil {
			r.logger.Debug().
				Err(err).
				Str("server", server).
				Str("query", question).
				Msg("failed to query nameserver")
			continue
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, question)
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %s (no nameserver answered)", ErrNotFound, question)
}
