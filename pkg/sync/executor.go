package sync

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ferrohost/poolkeeper/pkg/types"
)

// Executor spawns the sync subprocess and parses its stats output into
// a SyncResult, the same exec.CommandContext-plus-pipe pattern the
// teacher uses to drive its embedded containerd binary.
type Executor struct {
	// Binary is the sync tool's executable name, resolved via PATH
	// (rclone-compatible argv: sync/copy/bisync subcommands).
	Binary string
}

func NewExecutor() *Executor {
	return &Executor{Binary: "rclone"}
}

// Mode is the subprocess subcommand to invoke.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeCopy   Mode = "copy"
	ModeBisync Mode = "bisync"
)

// Run executes one sync subprocess invocation for src -> dst using the
// given mode, appending adapter args and optional include/exclude
// pattern and resync flag.
func (e *Executor) Run(ctx context.Context, mode Mode, src, dst string, adapterArgs []string, pattern string, resync bool) types.SyncResult {
	start := time.Now()

	args := []string{string(mode), src, dst, "--progress", "--stats-one-line"}
	if pattern != "" {
		args = append(args, "--filter", pattern)
	}
	if resync && mode == ModeBisync {
		args = append(args, "--resync")
	}
	args = append(args, adapterArgs...)

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if err != nil {
		return types.SyncResult{
			Success:    false,
			Errors:     []string{stderr.String()},
			DurationMs: duration,
			ErrorClass: classifyError(ctx, err, stderr.String()),
		}
	}

	bytesTransferred, filesTransferred := parseStats(stdout.String())
	return types.SyncResult{
		Success:          true,
		BytesTransferred: bytesTransferred,
		FilesTransferred: filesTransferred,
		DurationMs:       duration,
		ErrorClass:       types.SyncErrorNone,
	}
}

var statsLineRe = regexp.MustCompile(`Transferred:\s*([\d.]+)\s*(B|KiB|MiB|GiB|TiB).*?(\d+)\s*/\s*\d+,`)

// parseStats extracts the transferred byte count and file count from a
// one-line --stats-one-line summary such as:
//
//	Transferred:   	   12.345 MiB / 12.345 MiB, 100%, 1.2 MiB/s, ETA 0s, 3 / 3, 100%
func parseStats(output string) (bytesTransferred int64, filesTransferred int) {
	m := statsLineRe.FindStringSubmatch(output)
	if m == nil {
		return 0, 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, 0
	}
	bytesTransferred = int64(value * unitMultiplier(m[2]))

	files, err := strconv.Atoi(m[3])
	if err == nil {
		filesTransferred = files
	}
	return bytesTransferred, filesTransferred
}

func unitMultiplier(unit string) float64 {
	switch unit {
	case "B":
		return 1
	case "KiB":
		return 1024
	case "MiB":
		return 1024 * 1024
	case "GiB":
		return 1024 * 1024 * 1024
	case "TiB":
		return 1024 * 1024 * 1024 * 1024
	default:
		return 1
	}
}

// classifyError assigns a label-only error class used for
// observability, never for control flow.
func classifyError(ctx context.Context, err error, stderr string) types.SyncErrorClass {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.SyncErrorTimeout
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied") || strings.Contains(lower, "access denied"):
		return types.SyncErrorPermissionDenied
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "timeout") || strings.Contains(lower, "network"):
		return types.SyncErrorNetwork
	case errors.As(err, new(*exec.ExitError)):
		return types.SyncErrorTool
	default:
		return types.SyncErrorUnknown
	}
}
