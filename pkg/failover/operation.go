package failover

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cuemby/mnha/pkg/database"
	"github.com/cuemby/mnha/pkg/identity"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/go-playground/validator/v10"
)

// State is a step of the failover state machine
type State string

const (
	StateIdle                  State = "Idle"
	StateCheckingRole          State = "CheckingRole"
	StateAssigningIdentity     State = "AssigningIdentity"
	StateInstallingCoordinator State = "InstallingCoordinator"
	StateReconcilingDatabase   State = "ReconcilingDatabase"
	StateStoppingServices      State = "StoppingServices"
	StateRelocatingResources   State = "RelocatingResources"
	StateRestartingServices    State = "RestartingServices"
	StateRegisteringTrust      State = "RegisteringTrust"
	StateStartingServices      State = "StartingServices"
	StateActive                State = "Active"
	StateDeactivating          State = "Deactivating"
	StateRevokingIdentity      State = "RevokingIdentity"
	StateRestoringResources    State = "RestoringResources"
	StateRollingBack           State = "RollingBack"
	StateStandby               State = "Standby"
	StateFailed                State = "Failed"
)

// Kind classifies a stage failure
type Kind int

const (
	// KindExecution is a failed step after mutation began; it triggers rollback
	KindExecution Kind = iota
	// KindConflict means another host holds the role; nothing was changed
	KindConflict
	// KindConfig is an invalid request or environment, found before mutation
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindConfig:
		return "config"
	default:
		return "execution"
	}
}

// ErrInvalidRequest is returned for requests that cannot be carried out
var ErrInvalidRequest = errors.New("invalid request")

// StageError is a failure attributed to the stage it happened in
type StageError struct {
	Stage State
	Kind  Kind
	Err   error

	// Rollback holds the failures of the rollback that followed, if any
	Rollback []error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
	if len(e.Rollback) > 0 {
		msg += fmt.Sprintf("; rollback incomplete: %v", errors.Join(e.Rollback...))
	}
	return msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, identity.ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, database.ErrEngineMismatch):
		return KindConfig
	default:
		return KindExecution
	}
}

// Operation is the context of one top-level run
type Operation struct {
	ID      string
	Mode    types.Mode
	DryRun  bool
	Stage   State
	Started time.Time
}

// Request carries the operator's parameters
type Request struct {
	SharedRoot string       `validate:"omitempty,startswith=/"`
	Interface  string       `validate:"omitempty,excludesall=/"`
	VirtualIP  string       `validate:"omitempty,ipv4"`
	Hostname   string       `validate:"omitempty,hostname_rfc1123"`
	Netmask    string       `validate:"omitempty,ipv4"`
	Engine     types.Engine `validate:"omitempty,oneof=sqlite postgresql mariadb"`
}

var validate = validator.New()

// Validate checks the request for mode
func (r Request) Validate(mode types.Mode) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var missing []string
	need := func(name, value string) {
		if value == "" {
			missing = append(missing, name)
		}
	}
	switch mode {
	case types.ModeSetup:
		need("shared root", r.SharedRoot)
		need("interface", r.Interface)
		need("virtual address", r.VirtualIP)
		need("hostname", r.Hostname)
	case types.ModeActivate:
		need("shared root", r.SharedRoot)
		need("interface", r.Interface)
		need("virtual address", r.VirtualIP)
	case types.ModeDeactivate:
		if (r.Interface == "") != (r.VirtualIP == "") {
			return fmt.Errorf("%w: interface and virtual address must be given together", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}

	if r.Netmask != "" {
		if _, err := types.MaskPrefix(r.Netmask); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	if r.VirtualIP != "" && net.ParseIP(r.VirtualIP).IsLoopback() {
		return fmt.Errorf("%w: virtual address %s is a loopback address", ErrInvalidRequest, r.VirtualIP)
	}
	return nil
}

func (r Request) identity() types.VirtualIdentity {
	return types.VirtualIdentity{
		Interface: r.Interface,
		IP:        r.VirtualIP,
		Hostname:  r.Hostname,
		Netmask:   r.Netmask,
	}
}

// hasIdentity reports whether a virtual identity was given
func (r Request) hasIdentity() bool {
	return r.Interface != "" && r.VirtualIP != ""
}
