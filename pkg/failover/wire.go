package failover

import (
	"github.com/cuemby/mnha/pkg/config"
	"github.com/cuemby/mnha/pkg/database"
	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/identity"
	"github.com/cuemby/mnha/pkg/journal"
	"github.com/cuemby/mnha/pkg/probe"
	"github.com/cuemby/mnha/pkg/relocate"
	"github.com/cuemby/mnha/pkg/resolve"
	"github.com/cuemby/mnha/pkg/services"
	"github.com/cuemby/mnha/pkg/trust"
	"github.com/cuemby/mnha/pkg/types"
)

// Options are the per-invocation settings of Build
type Options struct {
	DryRun bool

	// Runner replaces the OS process runner
	Runner executor.Runner

	Journal *journal.Store
}

// Build wires a Machine from configuration
func Build(cfg *config.Config, opts Options) *Machine {
	exec := executor.New(executor.Config{
		DryRun:  opts.DryRun,
		Backoff: cfg.Executor.Backoff,
		Retries: cfg.Executor.Retries,
		Runner:  opts.Runner,
	})

	prober := probe.New(exec, probe.Config{
		PingTimeout:   cfg.Probe.PingTimeout,
		TCPTimeout:    cfg.Probe.TCPTimeout,
		TCPPorts:      cfg.Probe.TCPPorts,
		EngineMarker:  cfg.Coordinator.EngineMarker,
		AuthorityPath: cfg.Shared.AuthorityPath,
		OSRelease:     cfg.Files.OSRelease,
		PackageQuery:  cfg.Packages.Query,
	})

	resolver := resolve.New(resolve.Config{
		HostsFile:  cfg.Files.Hosts,
		ResolvConf: cfg.Files.ResolvConf,
		Timeout:    cfg.Probe.DNSTimeout,
	})

	switcher := identity.New(exec, prober, resolver, identity.Config{
		HostsFile:    cfg.Files.Hosts,
		ResolvConf:   cfg.Files.ResolvConf,
		LocalRecord:  cfg.Origin.LocalRecord,
		SharedRecord: cfg.Shared.OriginRecord,
	})

	engines := map[types.Engine]config.EngineConfig{
		types.EnginePostgreSQL: cfg.Databases.PostgreSQL,
		types.EngineMariaDB:    cfg.Databases.MariaDB,
	}
	dataDirs := make(map[types.Engine]string, len(engines))
	units := make(map[types.Engine]string, len(engines))
	for e, ec := range engines {
		dataDirs[e] = ec.DataDir
		units[e] = ec.Service
	}

	relocator := relocate.New(prober, relocate.Config{
		DataDirs:     dataDirs,
		SeedMode:     cfg.Shared.SeedMode,
		BackupSuffix: cfg.Shared.BackupSuffix,
		OriginRecord: cfg.Shared.OriginRecord,
		DryRun:       opts.DryRun,
	})

	db := database.New(exec, prober, switcher, database.Config{
		Engines:            engines,
		CoordinatorService: cfg.Coordinator.Service,
		BinDirs:            cfg.Coordinator.BinDirs,
		PackageInstall:     cfg.Packages.Install,
	})

	svc := services.New(exec, prober, resolver, services.Config{
		Databases:            units,
		Coordinator:          cfg.Coordinator.Service,
		BinDirs:              cfg.Coordinator.BinDirs,
		Naming:               cfg.Services.Naming,
		NamingRegenerate:     cfg.Services.NamingRegenerate,
		Addressing:           cfg.Services.Addressing,
		AddressingRegenerate: cfg.Services.AddressingRegenerate,
		TimeSync:             cfg.Services.TimeSync,
		Consoles:             cfg.Services.Consoles,
		ConsoleLock:          cfg.Coordinator.ConsoleLock,
		DomainQuery:          cfg.Coordinator.DomainQuery,
	})

	registrar := trust.New(exec, trust.Config{
		List:        cfg.Coordinator.Policy.List,
		Create:      cfg.Coordinator.Policy.Create,
		EntryPrefix: cfg.Coordinator.Policy.EntryPrefix,
		FirstIndex:  cfg.Coordinator.Policy.FirstIndex,
		MaxIndex:    cfg.Coordinator.Policy.MaxIndex,
	})

	return New(Components{
		Exec:      exec,
		Probe:     prober,
		Identity:  switcher,
		Relocator: relocator,
		Database:  db,
		Services:  svc,
		Trust:     registrar,
		Journal:   opts.Journal,
	}, Config{
		Resources:        cfg.Shared.Resources,
		Coordinator:      cfg.Coordinator,
		EnableOnActivate: cfg.Services.EnableOnActivate,
	})
}
