package failover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/mnha/pkg/config"
	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/executor/executortest"
	"github.com/cuemby/mnha/pkg/journal"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// host answers hostname and ip commands from in-memory state
type host struct {
	hostname string
	addrs    map[string]string // ip -> label
}

func (h *host) install(r *executortest.Runner) {
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
		delete(h.addrs, ip)
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

const policyTable = `Object name: 1
    name=root
Object name: 1.2
    name=node2
`

type fixture struct {
	sys     string
	shared  string
	cfg     *config.Config
	runner  *executortest.Runner
	host    *host
	journal *journal.Store
}

func (f *fixture) path(p string) string {
	return filepath.Join(f.sys, p)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("PATH", os.Getenv("PATH"))

	dir := t.TempDir()
	f := &fixture{
		sys:    filepath.Join(dir, "sys"),
		shared: filepath.Join(dir, "shared"),
		runner: executortest.New(),
		host:   &host{hostname: "node1", addrs: map[string]string{"10.0.0.4": "eth0"}},
	}
	f.host.install(f.runner)
	f.runner.On("lsdef -t policy -i name", policyTable, nil)
	f.runner.On("lsdef -t site -i domain", "Object name: clustersite\n    domain=cluster.local", nil)

	require.NoError(t, os.Mkdir(f.shared, 0755))
	require.NoError(t, os.Chmod(f.shared, 0755))

	write := func(p, content string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
	write(f.path("install/postscripts/setup"), "#!/bin/sh\n")
	write(f.path("etc/xcat/cert/server-cert.pem"), "Certificate:\n    Subject: CN=mgmt.cluster.local\n")
	write(f.path("tftpboot/pxelinux.0"), "boot")
	write(f.path("var/lib/pgsql/data/PG_VERSION"), "13")
	write(filepath.Join(dir, "hosts"), "127.0.0.1 localhost\n10.0.0.4 node1\n")
	write(filepath.Join(dir, "resolv.conf"), "search cluster.local\n")
	write(filepath.Join(dir, "os-release"), "ID=\"rhel\"\n")

	cfg := config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Files.Hosts = filepath.Join(dir, "hosts")
	cfg.Files.ResolvConf = filepath.Join(dir, "resolv.conf")
	cfg.Files.OSRelease = filepath.Join(dir, "os-release")
	cfg.Executor.Backoff = time.Millisecond
	cfg.Executor.Retries = 1
	cfg.Probe.TCPPorts = nil
	cfg.Probe.PingTimeout = time.Second
	cfg.Probe.DNSTimeout = 100 * time.Millisecond
	cfg.Shared.Resources = []string{
		f.path("install"),
		f.path("etc/xcat"),
		f.path("var/lib/pgsql"),
		f.path("var/lib/mysql"),
		f.path("tftpboot"),
	}
	cfg.Shared.AuthorityPath = f.path("etc/xcat")
	cfg.Shared.OriginRecord = f.path("etc/xcat/ha_mn")
	cfg.Origin.LocalRecord = filepath.Join(dir, "state", "ha_mn")
	cfg.Coordinator.EngineMarker = f.path("etc/xcat/cfgloc")
	cfg.Coordinator.Certificate = f.path("etc/xcat/cert/server-cert.pem")
	cfg.Coordinator.ConsoleLock = f.path("etc/xcat/console.lock")
	cfg.Databases.PostgreSQL.DataDir = f.path("var/lib/pgsql")
	cfg.Databases.MariaDB.DataDir = f.path("var/lib/mysql")
	cfg.Databases.MariaDB.HostFile = filepath.Join(dir, "state", "physical_ip")
	f.cfg = cfg

	store, err := journal.Open(cfg.StateDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.journal = store

	return f
}

func (f *fixture) machine(dryRun bool) *Machine {
	return Build(f.cfg, Options{DryRun: dryRun, Runner: f.runner, Journal: f.journal})
}

func (f *fixture) setupRequest() Request {
	return Request{
		SharedRoot: f.shared,
		Interface:  "eth0",
		VirtualIP:  "10.0.0.5",
		Hostname:   "mgmt.cluster.local",
		Engine:     types.EngineSQLite,
	}
}

func isLink(t *testing.T, path string) bool {
	t.Helper()
	info, err := os.Lstat(path)
	require.NoError(t, err)
	return info.Mode()&fs.ModeSymlink != 0
}

func (f *fixture) lastRecord(t *testing.T) *journal.Record {
	t.Helper()
	records, err := f.journal.List(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func TestSetupLeavesNodePassive(t *testing.T) {
	f := newFixture(t)

	op, err := f.machine(false).Setup(context.Background(), f.setupRequest())
	require.NoError(t, err)
	assert.Equal(t, StateStandby, op.Stage)
	assert.Equal(t, types.ModeSetup, op.Mode)

	// shared volume seeded with the non-database resources
	data, err := os.ReadFile(filepath.Join(f.shared, f.path("etc/xcat/cert/server-cert.pem")))
	require.NoError(t, err)
	assert.Contains(t, string(data), "CN=mgmt.cluster.local")
	assert.FileExists(t, filepath.Join(f.shared, f.path("tftpboot/pxelinux.0")))
	assert.NoDirExists(t, filepath.Join(f.shared, f.path("var/lib/pgsql")))

	origins, err := marker.ReadOrigins(filepath.Join(f.shared, f.path("etc/xcat/ha_mn")))
	require.NoError(t, err)
	assert.Equal(t, []types.Origin{{Hostname: "node1", IP: "10.0.0.4"}}, origins)

	// node handed back with the resources still linked to the shared volume
	for _, r := range []string{"install", "etc/xcat", "tftpboot"} {
		assert.True(t, isLink(t, f.path(r)), r)
		assert.DirExists(t, f.path(r)+".bak")
	}
	assert.False(t, isLink(t, f.path("var/lib/pgsql")))
	assert.NoDirExists(t, f.path("var/lib/pgsql.bak"))
	assert.FileExists(t, f.path("install/postscripts/setup"))
	assert.Equal(t, "node1", f.host.hostname)
	assert.NotContains(t, f.host.addrs, "10.0.0.5")

	assert.True(t, f.runner.Ran("ip addr add 10.0.0.5/24 dev eth0 label eth0"))
	assert.Equal(t, []string{"chdef -t policy 1.3 name=mgmt.cluster.local rule=trusted"}, f.runner.Matching("chdef"))
	assert.False(t, f.runner.Ran("wget"))
	assert.False(t, f.runner.Ran("pgsqlsetup"))

	rec := f.lastRecord(t)
	assert.Equal(t, op.ID, rec.ID)
	assert.Equal(t, journal.ResultSucceeded, rec.Result)
	var stages []string
	for _, s := range rec.Stages {
		stages = append(stages, s.Name)
	}
	assert.Equal(t, []string{
		"CheckingRole", "AssigningIdentity", "InstallingCoordinator", "ReconcilingDatabase",
		"StoppingServices", "RelocatingResources", "RestartingServices", "RegisteringTrust",
		"Deactivating", "RevokingIdentity",
	}, stages)
}

func TestSetupRollsBackOnStageFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("systemctl status xcatd")
	f.runner.Fail("systemctl restart xcatd")

	op, err := f.machine(false).Setup(context.Background(), f.setupRequest())
	require.Error(t, err)
	assert.Equal(t, StateFailed, op.Stage)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateRestartingServices, se.Stage)
	assert.Equal(t, KindExecution, se.Kind)
	assert.Empty(t, se.Rollback)

	assert.Equal(t, "node1", f.host.hostname)
	assert.NotContains(t, f.host.addrs, "10.0.0.5")
	for _, r := range []string{"install", "etc/xcat", "tftpboot"} {
		assert.False(t, isLink(t, f.path(r)), r)
		assert.NoDirExists(t, f.path(r)+".bak")
	}
	assert.FileExists(t, f.path("install/postscripts/setup"))
	assert.False(t, f.runner.Ran("chdef"))

	rec := f.lastRecord(t)
	assert.Equal(t, journal.ResultRolledBack, rec.Result)
	assert.Equal(t, "RestartingServices", rec.Stages[len(rec.Stages)-1].Name)
}

func TestActivateRelocationFailureLeavesNoLinks(t *testing.T) {
	f := newFixture(t)
	// no seeding, and a file where the shared tftpboot directory belongs
	require.NoError(t, os.Chmod(f.shared, 0700))
	blocker := filepath.Join(f.shared, f.path("tftpboot"))
	require.NoError(t, os.MkdirAll(filepath.Dir(blocker), 0755))
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0644))

	_, err := f.machine(false).Activate(context.Background(), Request{
		SharedRoot: f.shared,
		Interface:  "eth0:0",
		VirtualIP:  "10.0.0.5",
		Hostname:   "mgmt.cluster.local",
	})
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateRelocatingResources, se.Stage)
	assert.Equal(t, KindExecution, se.Kind)
	assert.Empty(t, se.Rollback)

	for _, r := range []string{"install", "etc/xcat", "tftpboot"} {
		assert.False(t, isLink(t, f.path(r)), r)
		assert.NoDirExists(t, f.path(r)+".bak")
	}
	assert.FileExists(t, f.path("install/postscripts/setup"))
	assert.FileExists(t, f.path("tftpboot/pxelinux.0"))
	assert.FileExists(t, blocker)

	assert.Equal(t, "node1", f.host.hostname)
	assert.NotContains(t, f.host.addrs, "10.0.0.5")
	assert.Equal(t, journal.ResultRolledBack, f.lastRecord(t).Result)
}

func TestSetupInstallsCoordinator(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("rpm -q xCAT")

	_, err := f.machine(false).Setup(context.Background(), f.setupRequest())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"wget " + f.cfg.Coordinator.InstallerURL + " -O /tmp/go-xcat",
		"chmod +x /tmp/go-xcat",
		"/tmp/go-xcat --yes install",
		"lsxcatd -v",
	}, append(append(f.runner.Matching("wget"), f.runner.Matching("chmod")...),
		append(f.runner.Matching("/tmp/go-xcat"), f.runner.Matching("lsxcatd")...)...))
	assert.True(t, strings.HasPrefix(os.Getenv("PATH"), "/opt/xcat/bin"))
}

func TestActivateAfterSetup(t *testing.T) {
	f := newFixture(t)
	m := f.machine(false)
	_, err := m.Setup(context.Background(), f.setupRequest())
	require.NoError(t, err)
	f.runner.Reset()

	op, err := m.Activate(context.Background(), Request{
		SharedRoot: f.shared,
		Interface:  "eth0:0",
		VirtualIP:  "10.0.0.5",
	})
	require.NoError(t, err)
	assert.Equal(t, StateActive, op.Stage)

	// hostname resolved from the hosts entry written during setup
	assert.Equal(t, "mgmt.cluster.local", f.host.hostname)
	assert.Equal(t, "eth0:0", f.host.addrs["10.0.0.5"])

	for _, r := range []string{"install", "etc/xcat", "tftpboot"} {
		assert.True(t, isLink(t, f.path(r)), r)
		assert.DirExists(t, f.path(r)+".bak")
	}
	assert.NoDirExists(t, f.path("var/lib/pgsql.bak"))

	assert.Equal(t, []string{
		"systemctl start xcatd",
		"systemctl start ntpd",
	}, f.runner.Matching("systemctl start"))
	assert.True(t, f.runner.Ran("makedns -n"))
	assert.True(t, f.runner.Ran("makedhcp -a"))
	assert.False(t, f.runner.Ran("systemctl enable"))
}

func TestActivateConflict(t *testing.T) {
	f := newFixture(t)
	f.runner.On("ping", "64 bytes from 10.0.0.5", nil)

	op, err := f.machine(false).Activate(context.Background(), Request{
		SharedRoot: f.shared,
		Interface:  "eth0:0",
		VirtualIP:  "10.0.0.5",
		Hostname:   "mgmt.cluster.local",
	})
	require.Error(t, err)
	assert.Equal(t, StateFailed, op.Stage)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateCheckingRole, se.Stage)
	assert.Equal(t, KindConflict, se.Kind)
	assert.Empty(t, se.Rollback)

	// nothing was touched
	assert.False(t, f.runner.Ran("ip addr add"))
	assert.False(t, f.runner.Ran("ip addr del"))
	assert.Equal(t, "node1", f.host.hostname)
	assert.False(t, isLink(t, f.path("etc/xcat")))
	assert.NoFileExists(t, f.cfg.Origin.LocalRecord)
	assert.Equal(t, journal.ResultFailed, f.lastRecord(t).Result)
}

func TestActivateRollsBackOnStageFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.Fail("systemctl start xcatd")

	op, err := f.machine(false).Activate(context.Background(), Request{
		SharedRoot: f.shared,
		Interface:  "eth0:0",
		VirtualIP:  "10.0.0.5",
		Hostname:   "mgmt.cluster.local",
	})
	require.Error(t, err)
	assert.Equal(t, StateFailed, op.Stage)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StateStartingServices, se.Stage)
	assert.Equal(t, KindExecution, se.Kind)
	assert.Empty(t, se.Rollback)
	assert.Equal(t, 2, f.runner.Count("systemctl start xcatd"))

	// virtual address revoked, resources restored, origin hostname back
	assert.NotContains(t, f.host.addrs, "10.0.0.5")
	assert.Equal(t, "node1", f.host.hostname)
	for _, r := range []string{"install", "etc/xcat", "tftpboot"} {
		assert.False(t, isLink(t, f.path(r)), r)
		assert.NoDirExists(t, f.path(r)+".bak")
	}
	assert.FileExists(t, f.path("etc/xcat/cert/server-cert.pem"))

	rec := f.lastRecord(t)
	assert.Equal(t, journal.ResultRolledBack, rec.Result)
	assert.Empty(t, rec.Rollback)
}

func TestRollbackCollectsFailures(t *testing.T) {
	f := newFixture(t)
	m := f.machine(false)
	r := m.begin(types.ModeActivate, Request{Interface: "eth0:0", VirtualIP: "10.0.0.5"})

	// the address is bound and will not go away
	f.host.addrs["10.0.0.5"] = "eth0:0"
	f.runner.On("ip addr del", "", nil)

	errs := m.rollback(context.Background(), r)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "revoke virtual address")
	assert.Equal(t, StateRollingBack, r.op.Stage)
}

func TestDeactivateWithoutOrigin(t *testing.T) {
	f := newFixture(t)
	f.host.hostname = "mgmt.cluster.local"
	f.host.addrs["10.0.0.5"] = "eth0:0"

	op, err := f.machine(false).Deactivate(context.Background(), Request{Interface: "eth0:0", VirtualIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, StateStandby, op.Stage)

	assert.Equal(t, "mgmt.cluster.local", f.host.hostname)
	assert.NotContains(t, f.host.addrs, "10.0.0.5")
	assert.False(t, f.runner.Ran("hostname node1"))
}

func TestDeactivateUnreadableEngineMarker(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.Coordinator.EngineMarker, []byte("\n"), 0644))
	f.host.hostname = "mgmt.cluster.local"
	f.host.addrs["10.0.0.5"] = "eth0:0"

	op, err := f.machine(false).Deactivate(context.Background(), Request{Interface: "eth0:0", VirtualIP: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, StateStandby, op.Stage)

	assert.Equal(t, 4, f.runner.Count("systemctl stop"))
	assert.NotContains(t, f.host.addrs, "10.0.0.5")
}

func TestDeactivateServicesOnly(t *testing.T) {
	f := newFixture(t)

	_, err := f.machine(false).Deactivate(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"systemctl disable ntpd",
		"systemctl disable dhcpd",
		"systemctl disable named",
		"systemctl disable xcatd",
	}, f.runner.Matching("systemctl disable"))
	assert.Equal(t, 4, f.runner.Count("systemctl stop"))
	assert.False(t, f.runner.Ran("ip addr del"))
	assert.False(t, f.runner.Ran("hostname "))

	stages := f.lastRecord(t).Stages
	require.Len(t, stages, 1)
	assert.Equal(t, "Deactivating", stages[0].Name)
}

func TestSetupDryRun(t *testing.T) {
	f := newFixture(t)

	op, err := f.machine(true).Setup(context.Background(), f.setupRequest())
	require.NoError(t, err)
	assert.True(t, op.DryRun)

	assert.Equal(t, "node1", f.host.hostname)
	assert.NotContains(t, f.host.addrs, "10.0.0.5")
	assert.False(t, isLink(t, f.path("etc/xcat")))
	assert.NoDirExists(t, filepath.Join(f.shared, f.path("etc/xcat")))
	assert.NoFileExists(t, f.cfg.Origin.LocalRecord)
	assert.False(t, f.runner.Ran("ip addr add"))
	assert.False(t, f.runner.Ran("systemctl"))
	assert.False(t, f.runner.Ran("chdef"))

	rec := f.lastRecord(t)
	assert.True(t, rec.DryRun)
	assert.Equal(t, journal.ResultSucceeded, rec.Result)
}

func TestSetupRejectsEngineMismatch(t *testing.T) {
	f := newFixture(t)
	cfgloc := filepath.Join(f.shared, f.cfg.Coordinator.EngineMarker)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgloc), 0755))
	require.NoError(t, os.WriteFile(cfgloc, []byte("Pg:dbname=xcatdb"), 0644))

	_, err := f.machine(false).Setup(context.Background(), f.setupRequest())
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindConfig, se.Kind)
	assert.False(t, f.runner.Ran("ip addr add"))
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		mode    types.Mode
		req     Request
		wantErr bool
	}{
		{"setup complete", types.ModeSetup, Request{SharedRoot: "/shared", Interface: "eth0", VirtualIP: "10.0.0.5", Hostname: "mgmt.cluster.local"}, false},
		{"setup without hostname", types.ModeSetup, Request{SharedRoot: "/shared", Interface: "eth0", VirtualIP: "10.0.0.5"}, true},
		{"activate without hostname", types.ModeActivate, Request{SharedRoot: "/shared", Interface: "eth0:0", VirtualIP: "10.0.0.5"}, false},
		{"activate relative root", types.ModeActivate, Request{SharedRoot: "shared", Interface: "eth0", VirtualIP: "10.0.0.5"}, true},
		{"bad address", types.ModeActivate, Request{SharedRoot: "/shared", Interface: "eth0", VirtualIP: "10.0.0.300"}, true},
		{"loopback address", types.ModeActivate, Request{SharedRoot: "/shared", Interface: "lo", VirtualIP: "127.0.0.2"}, true},
		{"bad netmask", types.ModeActivate, Request{SharedRoot: "/shared", Interface: "eth0", VirtualIP: "10.0.0.5", Netmask: "255.0.255.0"}, true},
		{"unknown engine", types.ModeSetup, Request{SharedRoot: "/shared", Interface: "eth0", VirtualIP: "10.0.0.5", Hostname: "mgmt", Engine: "oracle"}, true},
		{"deactivate services only", types.ModeDeactivate, Request{}, false},
		{"deactivate address only", types.ModeDeactivate, Request{VirtualIP: "10.0.0.5"}, true},
	}
	for _, tt := range tests {
		err := tt.req.Validate(tt.mode)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: Validate() error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%s: error %v does not wrap ErrInvalidRequest", tt.name, err)
		}
	}
}

func TestSetupInvalidRequestRunsNothing(t *testing.T) {
	f := newFixture(t)
	req := f.setupRequest()
	req.Hostname = ""

	_, err := f.machine(false).Setup(context.Background(), req)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindConfig, se.Kind)
	assert.Equal(t, StateIdle, se.Stage)
	assert.Empty(t, f.runner.Commands())
}
