// Package marker reads and writes the small durable files that carry
// failover state between invocations and between nodes: line records
// (origin identities, hosts entries, permission lines), the database engine
// marker and the console lock.
package marker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/mnha/pkg/types"
)

// normalize collapses runs of blanks so "10.0.0.5\tmgmt" equals "10.0.0.5 mgmt"
func normalize(line string) string {
	return strings.Join(strings.Fields(line), " ")
}

// ReadLines returns the lines of a file. A missing file has no lines.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return lines, nil
}

// HasLine reports whether the file contains line as a whole line. Whitespace
// runs are insignificant; substrings never match.
func HasLine(path, line string) (bool, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return false, err
	}
	want := normalize(line)
	for _, l := range lines {
		if normalize(l) == want {
			return true, nil
		}
	}
	return false, nil
}

// AppendLine appends line unless an identical line is already present. It
// returns true when the file was changed.
func AppendLine(path, line string) (bool, error) {
	present, err := HasLine(path, line)
	if err != nil || present {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	prefix := ""
	if info, err := f.Stat(); err == nil && info.Size() > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, info.Size()-1); err == nil && last[0] != '\n' {
			prefix = "\n"
		}
	}

	if _, err := f.WriteString(prefix + line + "\n"); err != nil {
		return false, fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return true, nil
}

// ReplaceLines rewrites the file, replacing every line for which match
// returns true with replacement. When nothing matched, replacement is
// appended. The write goes through a temporary file and a rename.
func ReplaceLines(path string, match func(string) bool, replacement string) error {
	lines, err := ReadLines(path)
	if err != nil {
		return err
	}

	var out []string
	replaced := false
	for _, l := range lines {
		if match(l) {
			if !replaced {
				out = append(out, replacement)
				replaced = true
			}
			continue
		}
		out = append(out, l)
	}
	if !replaced {
		out = append(out, replacement)
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	return writeAtomic(path, []byte(strings.Join(out, "\n")+"\n"), mode)
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadOrigins parses "<ip> <hostname>" records, skipping malformed lines
func ReadOrigins(path string) ([]types.Origin, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	var origins []types.Origin
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), "#") {
			continue
		}
		if o, ok := types.ParseOrigin(l); ok {
			origins = append(origins, o)
		}
	}
	return origins, nil
}

// Engine marker prefixes. The first two bytes of the marker identify the
// engine family; the rest of the file is the engine's connection string.
const (
	prefixPostgreSQL = "Pg"
	prefixMariaDB    = "my"
)

// ReadEngine returns the engine recorded in the marker at path. A missing
// marker means the embedded default engine.
func ReadEngine(path string) (types.Engine, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return types.EngineSQLite, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open engine marker %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 2)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read engine marker %s: %w", path, err)
	}

	switch string(buf[:n]) {
	case prefixPostgreSQL:
		return types.EnginePostgreSQL, nil
	case prefixMariaDB:
		return types.EngineMariaDB, nil
	default:
		return "", fmt.Errorf("unrecognized engine marker %q in %s", string(buf[:n]), path)
	}
}

// EnginePrefix returns the two-character marker prefix for an engine, or ""
// for engines that write no marker
func EnginePrefix(e types.Engine) string {
	switch e {
	case types.EnginePostgreSQL:
		return prefixPostgreSQL
	case types.EngineMariaDB:
		return prefixMariaDB
	default:
		return ""
	}
}

// ReadConsoleLock returns the recorded console lock content
func ReadConsoleLock(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read console lock %s: %w", path, err)
	}
	return string(data), true, nil
}

// WriteConsoleLock records which console variant is running
func WriteConsoleLock(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return writeAtomic(path, []byte(content), 0644)
}
