package failover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/mnha/pkg/config"
	"github.com/cuemby/mnha/pkg/database"
	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/identity"
	"github.com/cuemby/mnha/pkg/journal"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/metrics"
	"github.com/cuemby/mnha/pkg/probe"
	"github.com/cuemby/mnha/pkg/relocate"
	"github.com/cuemby/mnha/pkg/services"
	"github.com/cuemby/mnha/pkg/trust"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Components are the collaborators a Machine drives
type Components struct {
	Exec      *executor.Executor
	Probe     *probe.Prober
	Identity  *identity.Switcher
	Relocator *relocate.Relocator
	Database  *database.Controller
	Services  *services.Controller
	Trust     *trust.Registrar

	// Journal is optional
	Journal *journal.Store
}

// Config configures a Machine
type Config struct {
	Resources        []string
	Coordinator      config.CoordinatorConfig
	EnableOnActivate bool
}

// Machine runs the top-level failover operations. Stages run strictly in
// sequence; a failed stage after mutation began is rolled back.
type Machine struct {
	c      Components
	cfg    Config
	logger zerolog.Logger
}

// New creates a state machine
func New(c Components, cfg Config) *Machine {
	return &Machine{
		c:      c,
		cfg:    cfg,
		logger: log.WithComponent("failover"),
	}
}

// run is the bookkeeping of one operation in progress
type run struct {
	op     *Operation
	req    Request
	logger zerolog.Logger
	record *journal.Record
	timer  *metrics.Timer
}

func (m *Machine) begin(mode types.Mode, req Request) *run {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	op := &Operation{
		ID:      id.String(),
		Mode:    mode,
		DryRun:  m.c.Exec.DryRun(),
		Stage:   StateIdle,
		Started: time.Now(),
	}
	hostname, _ := os.Hostname()

	r := &run{
		op:     op,
		req:    req,
		logger: log.WithOperation(op.ID, string(mode)),
		timer:  metrics.NewTimer(),
		record: &journal.Record{
			ID:      op.ID,
			Mode:    mode,
			DryRun:  op.DryRun,
			Host:    hostname,
			Started: op.Started,
			Result:  journal.ResultRunning,
			Arguments: []string{
				"shared_root=" + req.SharedRoot,
				"interface=" + req.Interface,
				"vip=" + req.VirtualIP,
				"hostname=" + req.Hostname,
				"netmask=" + req.Netmask,
				"engine=" + string(req.Engine),
			},
		},
	}

	msg := fmt.Sprintf("starting %s", mode)
	if op.DryRun {
		msg += " [Dryrun]"
	}
	r.logger.Info().Msg(msg)
	m.save(r)
	return r
}

func (m *Machine) save(r *run) {
	if m.c.Journal == nil {
		return
	}
	if err := m.c.Journal.Put(r.record); err != nil {
		r.logger.Warn().Err(err).Msg("failed to update operation journal")
	}
}

// stage runs fn as the named stage, recording its outcome
func (m *Machine) stage(ctx context.Context, r *run, state State, fn func(ctx context.Context) error) error {
	r.op.Stage = state
	r.logger.Info().Msgf("===> %s <===", state)

	started := time.Now()
	timer := metrics.NewTimer()
	err := fn(ctx)
	timer.ObserveDurationVec(metrics.StageDuration, string(state))

	entry := journal.Stage{Name: string(state), Started: started, Duration: timer.Duration()}
	if err != nil {
		metrics.StageFailuresTotal.WithLabelValues(string(state)).Inc()
		entry.Error = err.Error()
	}
	r.record.Stages = append(r.record.Stages, entry)
	m.save(r)

	if err != nil {
		return &StageError{Stage: state, Kind: classify(err), Err: err}
	}
	return nil
}

// fail handles a failed operation, rolling back when the failure allows it
func (m *Machine) fail(ctx context.Context, r *run, err error) error {
	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: r.op.Stage, Kind: classify(err), Err: err}
	}

	r.logger.Error().
		Err(se.Err).
		Str("stage", string(se.Stage)).
		Str("kind", se.Kind.String()).
		Msg("stage failed")

	switch {
	case se.Kind != KindExecution:
		r.logger.Info().Msg("nothing was changed, no rollback needed")
	case r.op.DryRun:
		r.logger.Info().Msg("no rollback in dry-run mode")
	default:
		se.Rollback = m.rollback(ctx, r)
		r.record.Result = journal.ResultRolledBack
	}
	return se
}

// rollback undoes what Setup or Activate may have done: the origin hostname
// comes back, relocated resources are restored and the virtual address is
// released. Each step runs even if an earlier one failed.
func (m *Machine) rollback(ctx context.Context, r *run) []error {
	ctx = context.WithoutCancel(ctx)
	r.op.Stage = StateRollingBack
	r.logger.Warn().Msgf("===> %s <===", StateRollingBack)
	metrics.RollbacksTotal.Inc()

	var errs []error
	if _, err := m.c.Identity.RestoreOrigin(ctx); err != nil {
		errs = append(errs, fmt.Errorf("restore origin: %w", err))
	}
	if _, err := m.c.Relocator.Restore(ctx, m.cfg.Resources); err != nil {
		errs = append(errs, fmt.Errorf("restore resources: %w", err))
	}
	if r.req.hasIdentity() {
		if err := m.c.Identity.Revoke(ctx, r.req.Interface, r.req.VirtualIP, r.req.Netmask); err != nil {
			errs = append(errs, fmt.Errorf("revoke virtual address: %w", err))
		}
	}

	for _, err := range errs {
		r.logger.Error().Err(err).Msg("rollback step failed")
		r.record.Rollback = append(r.record.Rollback, err.Error())
	}
	if len(errs) == 0 {
		r.logger.Info().Msg("rollback complete")
	}
	return errs
}

// finish records the final state of the operation
func (m *Machine) finish(r *run, final State, err error) error {
	r.op.Stage = final
	mode := string(r.op.Mode)
	r.timer.ObserveDurationVec(metrics.OperationDuration, mode)

	r.record.Finished = time.Now()
	if err != nil {
		if r.record.Result == journal.ResultRunning {
			r.record.Result = journal.ResultFailed
		}
		r.record.Error = err.Error()
		r.logger.Error().Err(err).Msgf("%s failed", mode)
	} else {
		r.record.Result = journal.ResultSucceeded
		r.logger.Info().Dur("duration", r.timer.Duration()).Msgf("%s complete, node is %s", mode, final)
	}
	metrics.OperationsTotal.WithLabelValues(mode, string(r.record.Result)).Inc()

	if err == nil && !r.op.DryRun {
		switch final {
		case StateActive:
			metrics.RoleActive.Set(1)
		case StateStandby:
			metrics.RoleActive.Set(0)
		}
	}

	m.save(r)
	return err
}

// checkSharedRoot fails unless the shared root is a directory
func (m *Machine) checkSharedRoot(root string) error {
	if !m.c.Probe.SharedRootExists(root) {
		return fmt.Errorf("%w: shared root %s does not exist", ErrInvalidRequest, root)
	}
	return nil
}

// engineFor picks the engine of an operation: the requested one, else the
// one recorded on the shared volume, else the local one
func (m *Machine) engineFor(req Request) (types.Engine, error) {
	if req.Engine != "" {
		return req.Engine, nil
	}
	if req.SharedRoot != "" && m.c.Probe.SharedDataPresent(req.SharedRoot) {
		return m.c.Probe.CurrentEngine(req.SharedRoot)
	}
	return m.c.Probe.CurrentEngine("")
}

// relocate links the resources to the shared volume and records the origin
// there as well
func (m *Machine) relocate(ctx context.Context, r *run, engine types.Engine) error {
	origin, _, err := m.c.Identity.LoadOrigin(ctx)
	if err != nil {
		return err
	}
	report, err := m.c.Relocator.Relocate(ctx, relocate.Request{
		Resources:  m.cfg.Resources,
		SharedRoot: r.req.SharedRoot,
		Engine:     engine,
		Origin:     origin,
	})
	r.logger.Debug().
		Strs("seeded", report.Seeded).
		Strs("linked", report.Linked).
		Strs("skipped", report.Skipped).
		Msg("relocation report")
	return err
}

func (m *Machine) warnServices(r *run, action string, report services.Report) {
	for _, f := range report.Failed {
		r.logger.Warn().Err(f.Err).Str("unit", f.Unit).Msgf("failed to %s", action)
	}
	for _, s := range report.Skipped {
		r.logger.Warn().Str("unit", s).Msgf("did not %s", action)
	}
}
