// Package trust registers the controller's certificate subject as a trusted
// entry in the coordinator's policy table.
package trust

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cuemby/mnha/pkg/executor"
	"github.com/cuemby/mnha/pkg/log"
	"github.com/rs/zerolog"
)

var (
	// ErrNoFreeIndex is returned when every policy index in range is taken
	ErrNoFreeIndex = errors.New("no free policy index")

	// ErrNoCommonName is returned for certificates without a subject CN
	ErrNoCommonName = errors.New("certificate has no common name")
)

// Config configures a Registrar
type Config struct {
	// List prints the policy table, one "Object name:" header per entry
	List []string
	// Create adds an entry; {entry} and {name} are substituted
	Create []string

	EntryPrefix string
	FirstIndex  int
	MaxIndex    int
}

// Registrar adds trust entries through the coordinator's tools
type Registrar struct {
	exec   *executor.Executor
	cfg    Config
	logger zerolog.Logger
}

// New creates a registrar
func New(exec *executor.Executor, cfg Config) *Registrar {
	return &Registrar{
		exec:   exec,
		cfg:    cfg,
		logger: log.WithComponent("trust"),
	}
}

// CommonName returns the subject CN of the PEM certificate at path. Files
// that are not PEM are searched for a "Subject: ... CN=" text line.
func CommonName(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read certificate: %w", err)
	}

	if block, _ := pem.Decode(data); block != nil && block.Type == "CERTIFICATE" {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("failed to parse certificate: %w", err)
		}
		if cert.Subject.CommonName == "" {
			return "", ErrNoCommonName
		}
		return cert.Subject.CommonName, nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Subject:") {
			continue
		}
		_, rest, ok := strings.Cut(line, "CN=")
		if !ok {
			continue
		}
		cn, _, _ := strings.Cut(rest, ",")
		if cn = strings.TrimSpace(cn); cn != "" {
			return cn, nil
		}
	}
	return "", ErrNoCommonName
}

// table is the parsed policy listing
type table struct {
	entries map[string]bool // object names
	names   map[string]bool // name= attribute values
}

func parseTable(out string) table {
	t := table{entries: map[string]bool{}, names: map[string]bool{}}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if entry, ok := strings.CutPrefix(line, "Object name:"); ok {
			t.entries[strings.TrimSpace(entry)] = true
			continue
		}
		if name, ok := strings.CutPrefix(line, "name="); ok && name != "" {
			t.names[name] = true
		}
	}
	return t
}

func (r *Registrar) list(ctx context.Context) (table, error) {
	if len(r.cfg.List) == 0 {
		return table{}, errors.New("no policy list command configured")
	}
	out, err := r.exec.Query(ctx, r.cfg.List[0], r.cfg.List[1:]...)
	if err != nil {
		return table{}, fmt.Errorf("failed to list policy table: %w", err)
	}
	return parseTable(out), nil
}

// Register makes cn a trusted policy entry. It does nothing when an entry
// with that name already exists; otherwise the lowest free index in range
// is used, moving past indexes that are taken between listing and creation.
func (r *Registrar) Register(ctx context.Context, cn string) (string, error) {
	t, err := r.list(ctx)
	if err != nil {
		return "", err
	}
	if t.names[cn] {
		r.logger.Info().Str("name", cn).Msg("trust entry already present")
		return "", nil
	}
	if len(r.cfg.Create) == 0 {
		return "", errors.New("no policy create command configured")
	}

	for n := r.cfg.FirstIndex; n <= r.cfg.MaxIndex; n++ {
		entry := r.cfg.EntryPrefix + strconv.Itoa(n)
		if t.entries[entry] {
			continue
		}

		argv := make([]string, len(r.cfg.Create))
		for i, a := range r.cfg.Create {
			a = strings.ReplaceAll(a, "{entry}", entry)
			argv[i] = strings.ReplaceAll(a, "{name}", cn)
		}
		err := r.exec.Execute(ctx, executor.Command{Name: argv[0], Args: argv[1:]})
		if err == nil {
			r.logger.Info().Str("entry", entry).Str("name", cn).Msg("trust entry registered")
			return entry, nil
		}

		r.logger.Debug().Err(err).Str("entry", entry).Msg("policy entry creation failed, relisting")
		if t, err = r.list(ctx); err != nil {
			return "", err
		}
		if t.names[cn] {
			return "", nil
		}
	}
	return "", fmt.Errorf("%w: %s%d to %s%d", ErrNoFreeIndex,
		r.cfg.EntryPrefix, r.cfg.FirstIndex, r.cfg.EntryPrefix, r.cfg.MaxIndex)
}
