package failover

import (
	"context"
	"fmt"

	"github.com/cuemby/mnha/pkg/executor"
)

// installCoordinator installs the coordinator with its network installer
// unless the package is already present, then puts its tools on PATH
func (m *Machine) installCoordinator(ctx context.Context) error {
	cc := m.cfg.Coordinator
	if m.c.Probe.PackageInstalled(ctx, cc.Package) {
		m.logger.Info().Str("package", cc.Package).Msg("coordinator already installed")
		m.c.Exec.AugmentPath(cc.BinDirs)
		return nil
	}

	steps := []executor.Command{
		{Name: "wget", Args: []string{cc.InstallerURL, "-O", cc.InstallerPath}, Retries: m.c.Exec.Retries()},
		{Name: "chmod", Args: []string{"+x", cc.InstallerPath}},
		{Name: cc.InstallerPath, Args: cc.InstallArgs},
	}
	for _, cmd := range steps {
		if err := m.c.Exec.Execute(ctx, cmd); err != nil {
			return fmt.Errorf("failed to install coordinator: %w", err)
		}
	}
	m.c.Exec.AugmentPath(cc.BinDirs)

	if len(cc.VersionCmd) == 0 || m.c.Exec.DryRun() {
		return nil
	}
	version, err := m.c.Exec.Query(ctx, cc.VersionCmd[0], cc.VersionCmd[1:]...)
	if err != nil {
		return fmt.Errorf("coordinator not usable after install: %w", err)
	}
	m.logger.Info().Str("version", version).Msg("coordinator installed")
	return nil
}
