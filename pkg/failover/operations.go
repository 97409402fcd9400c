package failover

import (
	"context"
	"fmt"

	"github.com/cuemby/mnha/pkg/database"
	"github.com/cuemby/mnha/pkg/trust"
	"github.com/cuemby/mnha/pkg/types"
)

// Setup prepares this node to take over the role and leaves it passive.
// The engine defaults to the embedded one.
func (m *Machine) Setup(ctx context.Context, req Request) (*Operation, error) {
	if req.Engine == "" {
		req.Engine = types.EngineSQLite
	}
	r := m.begin(types.ModeSetup, req)

	if err := req.Validate(types.ModeSetup); err != nil {
		return r.op, m.finish(r, StateFailed, &StageError{Stage: StateIdle, Kind: KindConfig, Err: err})
	}
	if err := m.setup(ctx, r); err != nil {
		return r.op, m.finish(r, StateFailed, m.fail(ctx, r, err))
	}
	return r.op, m.finish(r, StateStandby, nil)
}

func (m *Machine) setup(ctx context.Context, r *run) error {
	req := r.req
	engine := req.Engine

	err := m.stage(ctx, r, StateCheckingRole, func(ctx context.Context) error {
		if err := m.checkSharedRoot(req.SharedRoot); err != nil {
			return err
		}
		if err := m.c.Identity.CheckConflict(ctx, req.VirtualIP); err != nil {
			return err
		}
		if err := m.c.Database.VerifyShared(req.SharedRoot, engine); err != nil {
			return err
		}
		current, err := m.c.Probe.CurrentEngine("")
		if err != nil {
			return err
		}
		if current != engine && !engine.Shared() {
			return fmt.Errorf("%w: cannot switch the database from %s to %s", ErrInvalidRequest, current, engine)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateAssigningIdentity, func(ctx context.Context) error {
		return m.c.Identity.Assign(ctx, req.identity())
	}); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateInstallingCoordinator, m.installCoordinator); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateReconcilingDatabase, func(ctx context.Context) error {
		return m.c.Database.Reconcile(ctx, database.Request{
			Target:     engine,
			VirtualIP:  req.VirtualIP,
			Interface:  req.Interface,
			SharedRoot: req.SharedRoot,
		})
	}); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateStoppingServices, func(ctx context.Context) error {
		report, err := m.c.Services.StopAll(ctx, engine)
		m.warnServices(r, "stop", report)
		return err
	}); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateRelocatingResources, func(ctx context.Context) error {
		return m.relocate(ctx, r, engine)
	}); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateRestartingServices, func(ctx context.Context) error {
		return m.c.Services.RestartCore(ctx, engine)
	}); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateRegisteringTrust, func(ctx context.Context) error {
		cn, err := trust.CommonName(m.cfg.Coordinator.Certificate)
		if err != nil {
			return err
		}
		_, err = m.c.Trust.Register(ctx, cn)
		return err
	}); err != nil {
		return err
	}

	// the node stays linked to the shared volume so activate finds it ready
	return m.deactivate(ctx, r, engine, false)
}

// Activate moves the role onto this node. Without a hostname the virtual
// address is resolved to one.
func (m *Machine) Activate(ctx context.Context, req Request) (*Operation, error) {
	r := m.begin(types.ModeActivate, req)

	if err := req.Validate(types.ModeActivate); err != nil {
		return r.op, m.finish(r, StateFailed, &StageError{Stage: StateIdle, Kind: KindConfig, Err: err})
	}
	if err := m.activate(ctx, r); err != nil {
		return r.op, m.finish(r, StateFailed, m.fail(ctx, r, err))
	}
	return r.op, m.finish(r, StateActive, nil)
}

func (m *Machine) activate(ctx context.Context, r *run) error {
	var engine types.Engine

	err := m.stage(ctx, r, StateCheckingRole, func(ctx context.Context) error {
		if err := m.checkSharedRoot(r.req.SharedRoot); err != nil {
			return err
		}
		if err := m.c.Identity.CheckConflict(ctx, r.req.VirtualIP); err != nil {
			return err
		}
		var err error
		if engine, err = m.engineFor(r.req); err != nil {
			return err
		}
		if r.req.Engine != "" {
			if err := m.c.Database.VerifyShared(r.req.SharedRoot, engine); err != nil {
				return err
			}
		}
		if r.req.Hostname == "" {
			name, err := m.c.Identity.ResolveVirtualHostname(ctx, r.req.VirtualIP)
			if err != nil {
				return fmt.Errorf("%w: no hostname given: %v", ErrInvalidRequest, err)
			}
			r.req.Hostname = name
			r.logger.Info().Str("hostname", name).Msg("virtual hostname resolved")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateAssigningIdentity, func(ctx context.Context) error {
		return m.c.Identity.Assign(ctx, r.req.identity())
	}); err != nil {
		return err
	}

	if err := m.stage(ctx, r, StateRelocatingResources, func(ctx context.Context) error {
		return m.relocate(ctx, r, engine)
	}); err != nil {
		return err
	}

	return m.stage(ctx, r, StateStartingServices, func(ctx context.Context) error {
		report, err := m.c.Services.StartAll(ctx, engine, r.req.Hostname, r.req.VirtualIP)
		m.warnServices(r, "start", report)
		if err != nil {
			return err
		}
		if m.cfg.EnableOnActivate {
			m.warnServices(r, "enable", m.c.Services.EnableAll(ctx, engine))
		}
		return nil
	})
}

// Deactivate moves the role off this node. Without a virtual identity only
// the services are disabled and stopped.
func (m *Machine) Deactivate(ctx context.Context, req Request) (*Operation, error) {
	r := m.begin(types.ModeDeactivate, req)

	if err := req.Validate(types.ModeDeactivate); err != nil {
		return r.op, m.finish(r, StateFailed, &StageError{Stage: StateIdle, Kind: KindConfig, Err: err})
	}
	engine, err := m.engineFor(Request{Engine: req.Engine})
	if err != nil {
		r.logger.Warn().Err(err).Msgf("cannot determine database engine, stopping services as %s", types.EngineSQLite)
		engine = types.EngineSQLite
	}
	// deactivation is the way back to standby, so it is never rolled back
	if err := m.deactivate(ctx, r, engine, true); err != nil {
		return r.op, m.finish(r, StateFailed, err)
	}
	return r.op, m.finish(r, StateStandby, nil)
}

// deactivate stops the services and hands the virtual identity back. The
// shared resources are unlinked only when restore is set.
func (m *Machine) deactivate(ctx context.Context, r *run, engine types.Engine, restore bool) error {
	if err := m.stage(ctx, r, StateDeactivating, func(ctx context.Context) error {
		m.warnServices(r, "disable", m.c.Services.DisableAll(ctx, engine))
		report, err := m.c.Services.StopAll(ctx, engine)
		m.warnServices(r, "stop", report)
		return err
	}); err != nil {
		return err
	}

	if !r.req.hasIdentity() {
		r.logger.Info().Msg("no virtual identity given, services stopped only")
		return nil
	}

	if err := m.stage(ctx, r, StateRevokingIdentity, func(ctx context.Context) error {
		if _, err := m.c.Identity.RestoreOrigin(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("failed to restore origin hostname")
		}
		return m.c.Identity.Revoke(ctx, r.req.Interface, r.req.VirtualIP, r.req.Netmask)
	}); err != nil {
		return err
	}

	if !restore {
		return nil
	}
	return m.stage(ctx, r, StateRestoringResources, func(ctx context.Context) error {
		report, err := m.c.Relocator.Restore(ctx, m.cfg.Resources)
		r.logger.Debug().Strs("restored", report.Restored).Msg("restore report")
		return err
	})
}
