// Package relocate moves role data onto the shared volume and back. Each
// resource is replaced by a symbolic link to its shared copy; the local
// content is kept next to it with a backup suffix until restored.
package relocate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/mnha/pkg/log"
	"github.com/cuemby/mnha/pkg/marker"
	"github.com/cuemby/mnha/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultBackupSuffix is appended to a local path moved aside by relocation
const DefaultBackupSuffix = ".bak"

// Prober answers the shared-volume questions relocation depends on
type Prober interface {
	SharedDataPresent(root string) bool
	SharedRootMode(root string) (fs.FileMode, error)
}

// Config configures a Relocator
type Config struct {
	// DataDirs maps each shared engine to its data directory
	DataDirs map[types.Engine]string

	// SeedMode is the shared root permission that allows first seeding
	SeedMode fs.FileMode

	BackupSuffix string

	// OriginRecord is the origin record path relative to the shared root
	OriginRecord string

	DryRun bool
}

// Request describes one relocation
type Request struct {
	Resources  []string
	SharedRoot string
	Engine     types.Engine
	Origin     types.Origin
}

// Report lists what a relocation or restore did
type Report struct {
	Seeded   []string
	Linked   []string
	Skipped  []string
	Restored []string
}

// Relocator moves role data between local paths and the shared volume
type Relocator struct {
	cfg    Config
	probe  Prober
	logger zerolog.Logger
}

// New creates a relocator
func New(probe Prober, cfg Config) *Relocator {
	if cfg.BackupSuffix == "" {
		cfg.BackupSuffix = DefaultBackupSuffix
	}
	if cfg.SeedMode == 0 {
		cfg.SeedMode = 0755
	}
	return &Relocator{
		cfg:    cfg,
		probe:  probe,
		logger: log.WithComponent("relocate"),
	}
}

// Filter drops the data directories of engines other than engine. The
// embedded engine keeps no shared data, so both are dropped for it.
func Filter(resources []string, dataDirs map[types.Engine]string, engine types.Engine) []string {
	drop := make(map[string]bool)
	for e, dir := range dataDirs {
		if e != engine && dir != "" {
			drop[filepath.Clean(dir)] = true
		}
	}

	out := make([]string, 0, len(resources))
	for _, r := range resources {
		if !drop[filepath.Clean(r)] {
			out = append(out, r)
		}
	}
	return out
}

// Filter applies the relocator's engine data directories
func (r *Relocator) Filter(resources []string, engine types.Engine) []string {
	return Filter(resources, r.cfg.DataDirs, engine)
}

// SharedPath returns the location of a resource on the shared volume
func SharedPath(root, resource string) string {
	return filepath.Join(root, resource)
}

// Relocate links every resource to its copy under the shared root, seeding
// the shared volume first when it is empty. A resource that is already a
// symbolic link is left alone, so Relocate is idempotent. The first failure
// aborts; what was already done stays for the caller to roll back.
func (r *Relocator) Relocate(ctx context.Context, req Request) (Report, error) {
	var report Report
	resources := r.Filter(req.Resources, req.Engine)

	if !r.probe.SharedDataPresent(req.SharedRoot) {
		mode, err := r.probe.SharedRootMode(req.SharedRoot)
		if err != nil {
			return report, err
		}
		if mode == r.cfg.SeedMode {
			seeded, err := r.seed(ctx, req.SharedRoot, resources)
			report.Seeded = seeded
			if err != nil {
				return report, err
			}
		} else {
			r.logger.Warn().
				Str("root", req.SharedRoot).
				Str("mode", mode.String()).
				Msg("shared root permissions do not allow seeding, linking empty targets")
		}
	}

	for _, path := range resources {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		linked, err := r.link(path, SharedPath(req.SharedRoot, path))
		if err != nil {
			return report, err
		}
		if linked {
			report.Linked = append(report.Linked, path)
		} else {
			report.Skipped = append(report.Skipped, path)
		}
	}

	if !req.Origin.IsZero() && r.cfg.OriginRecord != "" {
		record := SharedPath(req.SharedRoot, r.cfg.OriginRecord)
		if r.cfg.DryRun {
			r.logger.Debug().Msgf("append %q to %s [Dryrun]", req.Origin.Line(), record)
		} else if _, err := marker.AppendLine(record, req.Origin.Line()); err != nil {
			return report, fmt.Errorf("failed to record origin: %w", err)
		}
	}

	return report, nil
}

// link replaces path with a symbolic link to target. It returns false if
// path already was a link.
func (r *Relocator) link(path, target string) (bool, error) {
	info, err := os.Lstat(path)
	switch {
	case err == nil && info.Mode()&fs.ModeSymlink != 0:
		r.logger.Debug().Str("path", path).Msg("already relocated")
		return false, nil
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	exists := err == nil
	backup := path + r.cfg.BackupSuffix

	if r.cfg.DryRun {
		if exists {
			r.logger.Debug().Msgf("mv %s %s [Dryrun]", path, backup)
		}
		r.logger.Debug().Msgf("ln -s %s %s [Dryrun]", target, path)
		return true, nil
	}

	if exists {
		if err := os.RemoveAll(backup); err != nil {
			return false, fmt.Errorf("failed to remove stale backup %s: %w", backup, err)
		}
		if err := os.Rename(path, backup); err != nil {
			return false, fmt.Errorf("failed to back up %s: %w", path, err)
		}
	}

	if err := os.MkdirAll(target, 0755); err != nil {
		return false, fmt.Errorf("failed to create shared directory %s: %w", target, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create parent of %s: %w", path, err)
	}
	if err := os.Symlink(target, path); err != nil {
		return false, fmt.Errorf("failed to link %s: %w", path, err)
	}

	r.logger.Info().Str("path", path).Str("target", target).Msg("relocated")
	return true, nil
}

// Restore undoes relocation: links are removed and backups moved back when
// the live path is free. Existing content is never overwritten.
func (r *Relocator) Restore(ctx context.Context, resources []string) (Report, error) {
	var report Report

	for _, path := range resources {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		info, err := os.Lstat(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return report, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		present := err == nil

		if present && info.Mode()&fs.ModeSymlink != 0 {
			if r.cfg.DryRun {
				r.logger.Debug().Msgf("rm %s [Dryrun]", path)
			} else if err := os.Remove(path); err != nil {
				return report, fmt.Errorf("failed to remove link %s: %w", path, err)
			}
			present = false
		}

		backup := path + r.cfg.BackupSuffix
		if _, err := os.Lstat(backup); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return report, fmt.Errorf("failed to stat %s: %w", backup, err)
			}
			continue
		}
		if present {
			r.logger.Warn().Str("path", path).Msg("live path exists, keeping backup")
			continue
		}

		if r.cfg.DryRun {
			r.logger.Debug().Msgf("mv %s %s [Dryrun]", backup, path)
		} else if err := os.Rename(backup, path); err != nil {
			return report, fmt.Errorf("failed to restore %s: %w", path, err)
		}
		report.Restored = append(report.Restored, path)
	}

	return report, nil
}

// seed copies the local resources that exist onto the shared volume
func (r *Relocator) seed(ctx context.Context, root string, resources []string) ([]string, error) {
	var seeded []string
	for _, path := range resources {
		if err := ctx.Err(); err != nil {
			return seeded, err
		}

		info, err := os.Lstat(path)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && info.Mode()&fs.ModeSymlink != 0) {
			continue
		}
		if err != nil {
			return seeded, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		dst := SharedPath(root, path)
		if r.cfg.DryRun {
			r.logger.Debug().Msgf("cp -a %s %s [Dryrun]", path, dst)
			seeded = append(seeded, path)
			continue
		}

		if err := copyTree(path, dst); err != nil {
			return seeded, fmt.Errorf("failed to seed %s: %w", path, err)
		}
		uid, gid := owner(info)
		if err := chownTree(dst, uid, gid); err != nil {
			return seeded, fmt.Errorf("failed to set ownership of %s: %w", dst, err)
		}
		r.logger.Info().Str("path", path).Str("target", dst).Msg("seeded shared volume")
		seeded = append(seeded, path)
	}
	return seeded, nil
}
