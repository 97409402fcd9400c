package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cuemby/mnha/pkg/failover"
	"github.com/cuemby/mnha/pkg/journal"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/metrics"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Prepare this node to take over the management node role",
	Long: `Prepare this node to take over the management node role.

Setup temporarily takes the virtual identity, installs the coordinator if
needed, switches it to the requested database engine, seeds the shared
volume on first use and registers the node as trusted. It then hands the
role back, leaving the node passive and ready for activate.

Examples:
  mnha setup -p /shared -i eth0 -v 10.0.0.5 -n mgmt.cluster.local
  mnha setup -p /shared -i eth0:0 -v 10.0.0.5 -n mgmt -t postgresql --dryrun`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, types.ModeSetup)
	},
}

var activateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Move the management node role onto this node",
	Long: `Move the management node role onto this node.

Activate aborts without changing anything if the virtual address already
answers. Without -n the hostname is resolved from the virtual address.

Examples:
  mnha activate -p /shared -i eth0:0 -v 10.0.0.5
  mnha activate -p /shared -i eth0:0 -v 10.0.0.5 -n mgmt.cluster.local`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, types.ModeActivate)
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate",
	Short: "Move the management node role off this node",
	Long: `Move the management node role off this node.

Without -i and -v only the services are disabled and stopped; the virtual
address, hostname and shared resources are left in place.

Examples:
  mnha deactivate -i eth0:0 -v 10.0.0.5
  mnha deactivate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, types.ModeDeactivate)
	},
}

func init() {
	for _, c := range []*cobra.Command{setupCmd, activateCmd} {
		c.Flags().StringP("path", "p", "", "Shared volume mount point")
		c.Flags().StringP("nic", "i", "", "Interface that carries the virtual address")
		c.Flags().StringP("virtual-ip", "v", "", "Virtual IP address")
		c.Flags().StringP("hostname", "n", "", "Virtual hostname")
		c.Flags().StringP("netmask", "m", "", "Virtual address netmask (default 255.255.255.0)")
		c.Flags().StringP("dbtype", "t", "", "Database engine (sqlite, postgresql, mariadb)")
		c.Flags().Bool("dryrun", false, "Log the commands instead of running them")
		_ = c.MarkFlagRequired("path")
		_ = c.MarkFlagRequired("nic")
		_ = c.MarkFlagRequired("virtual-ip")
	}
	_ = setupCmd.MarkFlagRequired("hostname")

	deactivateCmd.Flags().StringP("nic", "i", "", "Interface that carries the virtual address")
	deactivateCmd.Flags().StringP("virtual-ip", "v", "", "Virtual IP address")
	deactivateCmd.Flags().StringP("netmask", "m", "", "Virtual address netmask (default 255.255.255.0)")
	deactivateCmd.Flags().Bool("dryrun", false, "Log the commands instead of running them")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(deactivateCmd)
}

// requestFromFlags reads the flags a command defines; absent ones stay empty
func requestFromFlags(cmd *cobra.Command) (failover.Request, error) {
	get := func(name string) string {
		if cmd.Flags().Lookup(name) == nil {
			return ""
		}
		v, _ := cmd.Flags().GetString(name)
		return v
	}

	req := failover.Request{
		SharedRoot: get("path"),
		Interface:  get("nic"),
		VirtualIP:  get("virtual-ip"),
		Hostname:   get("hostname"),
		Netmask:    get("netmask"),
	}
	if req.SharedRoot != "" {
		req.SharedRoot = filepath.Clean(req.SharedRoot)
	}
	if t := get("dbtype"); t != "" {
		engine, err := types.ParseEngine(t)
		if err != nil {
			return req, err
		}
		req.Engine = engine
	}
	return req, nil
}

func runOperation(cmd *cobra.Command, mode types.Mode) error {
	req, err := requestFromFlags(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dryrun")

	lock, err := acquireLock(cfg.LockFile)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	store, err := journal.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := failover.Build(cfg, failover.Options{DryRun: dryRun, Journal: store})

	var op *failover.Operation
	switch mode {
	case types.ModeSetup:
		op, err = m.Setup(ctx, req)
	case types.ModeActivate:
		op, err = m.Activate(ctx, req)
	default:
		op, err = m.Deactivate(ctx, req)
	}

	if werr := metrics.WriteTextfile(cfg.Metrics.Textfile); werr != nil {
		log.Logger.Warn().Err(werr).Msg("failed to export metrics")
	}

	if err != nil {
		var se *failover.StageError
		if errors.As(err, &se) && se.Kind == failover.KindConflict {
			return fmt.Errorf("%s aborted: %w", mode, err)
		}
		return fmt.Errorf("%s failed (operation %s): %w", mode, op.ID, err)
	}

	fmt.Printf("✓ %s complete, node is %s (operation %s)\n", mode, op.Stage, op.ID)
	return nil
}

// acquireLock keeps two invocations on this node from interleaving
func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another mnha operation is running on this node (%s is locked)", path)
	}
	return lock, nil
}
