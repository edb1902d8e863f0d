package backup

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/khoskins-amp/supabase-backup-tool/internal/models"
)

const (
	dumpTool = "pg_dump"

	// maxStderrBytes bounds how much captured stderr is recorded on a
	// failed backup row.
	maxStderrBytes = 4096
)

// DumpOptions selects what a single pg_dump run produces.
type DumpOptions struct {
	OutputPath    string
	BackupType    models.BackupType
	IncludeTables []string
	ExcludeTables []string
}

// DumpRunner executes pg_dump against a project database.
type DumpRunner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewDumpRunner creates a dump runner. A zero timeout means no bound
// beyond the caller's context.
func NewDumpRunner(timeout time.Duration, logger *slog.Logger) *DumpRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &DumpRunner{
		timeout: timeout,
		logger:  logger,
	}
}

// Dump runs pg_dump for the given connection string, writing plain SQL to
// opts.OutputPath. The password travels via PGPASSWORD, never on the
// command line. On any failure the partial output file is removed and a
// *ProcessError is returned.
func (r *DumpRunner) Dump(ctx context.Context, databaseURL string, opts DumpOptions) error {
	args, password, err := buildDumpArgs(databaseURL, opts)
	if err != nil {
		return err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, dumpTool, args...)
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	if password != "" {
		cmd.Env = append(cmd.Env, "PGPASSWORD="+password)
	}

	r.logger.Debug("running pg_dump", "output", opts.OutputPath, "backup_type", opts.BackupType)

	runErr := cmd.Run()
	if runErr == nil {
		return nil
	}

	// Never leave a partial dump behind.
	os.Remove(opts.OutputPath)

	exitCode := 1
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return &ProcessError{
			Tool:     dumpTool,
			ExitCode: exitCode,
			Stderr:   truncate(stderr.String(), maxStderrBytes),
			Err:      fmt.Errorf("dump timed out after %s", r.timeout),
		}
	}

	return &ProcessError{
		Tool:     dumpTool,
		ExitCode: exitCode,
		Stderr:   truncate(stderr.String(), maxStderrBytes),
		Err:      runErr,
	}
}

// buildDumpArgs translates a connection string into pg_dump arguments.
// The password is returned separately for the PGPASSWORD environment.
func buildDumpArgs(databaseURL string, opts DumpOptions) ([]string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("parsing database URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, "", fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = "5432"
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		dbName = "postgres"
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	args := []string{
		"--host", u.Hostname(),
		"--port", port,
		"--username", username,
		"--dbname", dbName,
		"--no-password",
		"--verbose",
		"--file", opts.OutputPath,
	}

	switch opts.BackupType {
	case models.BackupTypeSchema:
		args = append(args, "--schema-only")
	case models.BackupTypeData:
		args = append(args, "--data-only")
	}

	for _, table := range opts.IncludeTables {
		args = append(args, "--table", table)
	}
	for _, table := range opts.ExcludeTables {
		args = append(args, "--exclude-table", table)
	}

	return args, password, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
