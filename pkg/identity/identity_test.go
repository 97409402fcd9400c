package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/executor/executortest"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/probe"
	"github.com/cuemby/mnha/pkg/resolve"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost answers hostname and ip commands from in-memory state
type fakeHost struct {
	hostname string
	addrs    map[string]string // ip -> label
	sticky   bool              // ip addr del leaves the address in place
}

func (h *fakeHost) install(r *executortest.Runner) {
	r.Fail("ping")
	r.OnFunc("hostname", func(cmd executor.Command) (string, error) {
		if len(cmd.Args) == 1 {
			h.hostname = cmd.Args[0]
		}
		return h.hostname, nil
	})
	r.OnFunc("ip addr add", func(cmd executor.Command) (string, error) {
		ip, _, _ := strings.Cut(cmd.Args[2], "/")
		h.addrs[ip] = cmd.Args[6]
		return "", nil
	})
	r.OnFunc("ip addr del", func(cmd executor.Command) (string, error) {
		ip, _, _ := strings.Cut(cmd.Args[2], "/")
		if _, ok := h.addrs[ip]; !ok {
			return "RTNETLINK answers: Cannot assign requested address", executortest.ErrExit
		}
		if !h.sticky {
			delete(h.addrs, ip)
		}
		return "", nil
	})
	r.OnFunc("ip -o -4 addr show", func(executor.Command) (string, error) {
		ips := make([]string, 0, len(h.addrs))
		for ip := range h.addrs {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		var b strings.Builder
		for _, ip := range ips {
			label := h.addrs[ip]
			fmt.Fprintf(&b, "2: %s    inet %s/24 scope global %s\\       valid_lft forever\n", types.BaseInterface(label), ip, label)
		}
		return b.String(), nil
	})
}

type env struct {
	switcher *Switcher
	runner   *executortest.Runner
	host     *fakeHost
	hosts    string
	resolv   string
	local    string
	shared   string
}

func newEnv(t *testing.T, dryRun bool) *env {
	t.Helper()
	dir := t.TempDir()
	e := &env{
		runner: executortest.New(),
		host:   &fakeHost{hostname: "node1", addrs: map[string]string{"10.0.0.4": "eth0"}},
		hosts:  filepath.Join(dir, "hosts"),
		resolv: filepath.Join(dir, "resolv.conf"),
		local:  filepath.Join(dir, "state", "ha_mn"),
		shared: filepath.Join(dir, "etc", "xcat", "ha_mn"),
	}
	e.host.install(e.runner)
	require.NoError(t, os.WriteFile(e.hosts, []byte("127.0.0.1 localhost\n10.0.0.4 node1\n"), 0644))
	require.NoError(t, os.WriteFile(e.resolv, []byte("search cluster.local\n"), 0644))

	exec := executor.New(executor.Config{DryRun: dryRun, Backoff: time.Millisecond, Runner: e.runner})
	prober := probe.New(exec, probe.Config{})
	resolver := resolve.New(resolve.Config{HostsFile: e.hosts, ResolvConf: e.resolv, Servers: []string{"127.0.0.1:1"}, Timeout: 100 * time.Millisecond})
	e.switcher = New(exec, prober, resolver, Config{
		HostsFile:    e.hosts,
		ResolvConf:   e.resolv,
		LocalRecord:  e.local,
		SharedRecord: e.shared,
	})
	return e
}

var vid = types.VirtualIdentity{Interface: "eth0:0", IP: "10.0.0.5", Hostname: "mgmt.cluster.local"}

func TestAssign(t *testing.T) {
	e := newEnv(t, false)

	require.NoError(t, e.switcher.Assign(context.Background(), vid))

	assert.Equal(t, []string{"ip addr add 10.0.0.5/24 dev eth0 label eth0:0"}, e.runner.Matching("ip addr add"))
	assert.Equal(t, "mgmt.cluster.local", e.host.hostname)

	hosts, err := marker.ReadLines(e.hosts)
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1 localhost", "10.0.0.4 node1", "10.0.0.5 mgmt.cluster.local", "10.0.0.5 mgmt"}, hosts)

	has, err := marker.HasLine(e.resolv, "nameserver 10.0.0.5")
	require.NoError(t, err)
	assert.True(t, has)

	origins, err := marker.ReadOrigins(e.local)
	require.NoError(t, err)
	assert.Equal(t, []types.Origin{{IP: "10.0.0.4", Hostname: "node1"}}, origins)
}

func TestAssignIdempotent(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	require.NoError(t, e.switcher.Assign(ctx, vid))
	require.NoError(t, e.switcher.Assign(ctx, vid))

	assert.Equal(t, 1, e.runner.Count("ip addr add"))

	hosts, err := marker.ReadLines(e.hosts)
	require.NoError(t, err)
	assert.Len(t, hosts, 4)

	lines, err := marker.ReadLines(e.local)
	require.NoError(t, err)
	assert.Len(t, lines, 1)
}

func TestAssignDryRun(t *testing.T) {
	e := newEnv(t, true)

	require.NoError(t, e.switcher.Assign(context.Background(), vid))

	assert.False(t, e.runner.Ran("ip addr add"))
	assert.Equal(t, "node1", e.host.hostname)
	assert.NoFileExists(t, e.local)
	hosts, err := marker.ReadLines(e.hosts)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
}

func TestSaveOriginFallsBackToInterface(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, os.WriteFile(e.hosts, []byte("127.0.0.1 localhost\n"), 0644))

	origin, err := e.switcher.SaveOrigin(context.Background(), vid)
	require.NoError(t, err)
	assert.Equal(t, types.Origin{IP: "10.0.0.4", Hostname: "node1"}, origin)
}

func TestCheckConflict(t *testing.T) {
	t.Run("silent address", func(t *testing.T) {
		e := newEnv(t, false)
		assert.NoError(t, e.switcher.CheckConflict(context.Background(), "10.0.0.5"))
	})

	t.Run("answered elsewhere", func(t *testing.T) {
		e := newEnv(t, false)
		e.runner.On("ping", "64 bytes from 10.0.0.5", nil)
		err := e.switcher.CheckConflict(context.Background(), "10.0.0.5")
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("held locally", func(t *testing.T) {
		e := newEnv(t, false)
		e.host.addrs["10.0.0.5"] = "eth0:0"
		e.runner.On("ping", "64 bytes from 10.0.0.5", nil)
		assert.NoError(t, e.switcher.CheckConflict(context.Background(), "10.0.0.5"))
	})
}

func TestRevoke(t *testing.T) {
	e := newEnv(t, false)
	e.host.addrs["10.0.0.5"] = "eth0:0"

	require.NoError(t, e.switcher.Revoke(context.Background(), "eth0:0", "10.0.0.5", "255.255.0.0"))
	assert.Equal(t, []string{"ip addr del 10.0.0.5/16 dev eth0"}, e.runner.Matching("ip addr del"))
	assert.NotContains(t, e.host.addrs, "10.0.0.5")

	// revoking an address that is already gone is tolerated
	require.NoError(t, e.switcher.Revoke(context.Background(), "eth0:0", "10.0.0.5", ""))
}

func TestRevokeStillBound(t *testing.T) {
	e := newEnv(t, false)
	e.host.addrs["10.0.0.5"] = "eth0:0"
	e.host.sticky = true

	err := e.switcher.Revoke(context.Background(), "eth0:0", "10.0.0.5", "")
	assert.ErrorIs(t, err, ErrStillBound)
}

func TestLoadOriginMatchesLocalAddress(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, os.MkdirAll(filepath.Dir(e.shared), 0755))
	require.NoError(t, os.WriteFile(e.shared, []byte("10.0.0.3 node0\n10.0.0.4 node1\n"), 0644))

	origin, ok, err := e.switcher.LoadOrigin(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.Origin{IP: "10.0.0.4", Hostname: "node1"}, origin)

	ip, err := e.switcher.PhysicalIP(context.Background(), "eth0:0", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", ip)
}

func TestRestoreOrigin(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	require.NoError(t, e.switcher.Assign(ctx, vid))

	origin, err := e.switcher.RestoreOrigin(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node1", origin.Hostname)
	assert.Equal(t, "node1", e.host.hostname)
}

func TestRestoreOriginWithoutRecord(t *testing.T) {
	e := newEnv(t, false)

	origin, err := e.switcher.RestoreOrigin(context.Background())
	require.NoError(t, err)
	assert.True(t, origin.IsZero())
	assert.Equal(t, []string(nil), e.runner.Matching("hostname "))
}

func TestResolveVirtualHostname(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, os.WriteFile(e.hosts, []byte("10.0.0.5 mgmt.cluster.local mgmt\n"), 0644))

	name, err := e.switcher.ResolveVirtualHostname(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "mgmt.cluster.local", name)

	_, err = e.switcher.ResolveVirtualHostname(context.Background(), "10.0.0.9")
	assert.Error(t, err)
}
