// Package procutil spawns child processes (compose, service installers) with
// captured output, a hard timeout with best-effort kill, and retry on
// transient exec failures. Command lines are masked before they ever reach
// a log line.
package procutil

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"os/exec"
	"strings"
	"time"

	"github.com/cadalytix/installer/pkg/log"
)

// Result is the outcome of one process run.
type Result struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	DurationMS int64
}

var transientMarkers = []string{"timeout", "busy", "resource", "i/o", "network"}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Run launches name with args, stdin closed, stdout/stderr captured
// concurrently, under timeout. On timeout, CommandContext's Wait has
// already best-effort killed and reaped the process by the time Run
// returns.
func Run(ctx context.Context, name string, args []string, timeout time.Duration) (Result, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String(), DurationMS: duration},
			fmt.Errorf("procutil: %s timed out after %s", name, timeout)
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Stdout: stdout.String(), Stderr: stderr.String(), DurationMS: duration},
				fmt.Errorf("procutil: run %s: %w", name, err)
		}
	}

	return Result{ExitCode: exitCode, Stdout: stdout.String(), Stderr: stderr.String(), DurationMS: duration}, nil
}

const (
	retryAttempts = 3
	retryBase     = 200 * time.Millisecond
)

// RunWithRetry retries Run on transient exec failures (not on a non-zero
// exit code, which is a successful run from procutil's point of view) with
// exponential backoff plus jitter.
func RunWithRetry(ctx context.Context, name string, args []string, timeout time.Duration) (Result, error) {
	logger := log.WithComponent("procutil")

	delay := retryBase
	var lastRes Result
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		res, err := Run(ctx, name, args, timeout)
		if err == nil {
			return res, nil
		}
		lastRes, lastErr = res, err
		if !isTransient(err) {
			return res, err
		}
		if attempt == retryAttempts {
			break
		}
		logger.Warn().Err(err).Strs("args", MaskArgs(args)).Int("attempt", attempt).Msg("transient exec failure, retrying")
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-ctx.Done():
			return lastRes, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return lastRes, lastErr
}

var sensitiveSubstrings = []string{"password=", "pwd=", "secret", "token", "license", "apikey", "api_key"}

// looksLikeConnectionString is a cheap heuristic: contains both '=' and ';'
// or starts with a known DB URL scheme.
func looksLikeConnectionString(s string) bool {
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(s, "=") && strings.Contains(s, ";")
}

// MaskArgs redacts any argument that looks sensitive before it is logged.
func MaskArgs(args []string) []string {
	masked := make([]string, len(args))
	for i, a := range args {
		lower := strings.ToLower(a)
		sensitive := looksLikeConnectionString(a)
		if !sensitive {
			for _, marker := range sensitiveSubstrings {
				if strings.Contains(lower, marker) {
					sensitive = true
					break
				}
			}
		}
		if sensitive {
			masked[i] = "***REDACTED***"
		} else {
			masked[i] = a
		}
	}
	return masked
}
