// Package deployfiles copies the runtime payload into the installation
// destination: recursive collection, streaming SHA-256 while copying,
// Unix mode preservation, and bounded retry on transient filesystem
// errors under a size-scaled timeout.
package deployfiles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/types"
)

var transientMarkers = []string{"in use", "access denied", "permission denied", "busy", "temporary", "timeout"}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// Collect recursively walks root, returning every regular file's path
// relative to root, sorted by the OS walk order (directory-then-name,
// already deterministic for our purposes since the orchestrator sorts the
// resulting manifest separately).
func Collect(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("deployfiles: %s is not a directory", root)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("deployfiles: walk %s: %w", root, err)
	}
	return files, nil
}

// Timeout computes the dynamic per-file copy timeout: at least 60s, growing
// by 1s per MiB of file size, capped at 600s.
func Timeout(sizeBytes int64) time.Duration {
	const mib = 1024 * 1024
	d := 60*time.Second + time.Duration(sizeBytes/mib)*time.Second
	if d < 60*time.Second {
		d = 60 * time.Second
	}
	if d > 600*time.Second {
		d = 600 * time.Second
	}
	return d
}

// Result is the outcome of copying one file.
type Result struct {
	BytesWritten int64
	SHA256Hex    string
}

// CopyFile copies src to dst with a streaming SHA-256 digest and the
// source's Unix mode, retrying transient errors with exponential backoff
// under a size-scaled timeout.
func CopyFile(ctx context.Context, src, dst string) (Result, error) {
	logger := log.WithComponent("deployfiles")

	info, err := os.Stat(src)
	if err != nil {
		return Result{}, types.NewError(types.KindDeploymentFailed, fmt.Errorf("deployfiles: stat %s: %w", src, err))
	}

	copyCtx, cancel := context.WithTimeout(ctx, Timeout(info.Size()))
	defer cancel()

	delay := retryBase
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		res, err := copyOnce(copyCtx, src, dst, info.Mode())
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
		if attempt == retryAttempts {
			break
		}
		logger.Warn().Err(err).Str("file", src).Int("attempt", attempt).Msg("transient copy failure, retrying")
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		select {
		case <-copyCtx.Done():
			return Result{}, types.NewError(types.KindDeploymentFailed, fmt.Errorf("deployfiles: copy %s timed out: %w", src, copyCtx.Err()))
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return Result{}, types.NewError(types.KindDeploymentFailed, fmt.Errorf("deployfiles: copy %s: %w", src, lastErr))
}

func copyOnce(ctx context.Context, src, dst string, mode fs.FileMode) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	in, err := os.Open(src)
	if err != nil {
		return Result{}, err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Result{}, err
	}

	out, err := os.Create(dst)
	if err != nil {
		return Result{}, err
	}

	h := sha256.New()
	n, err := io.Copy(out, io.TeeReader(in, h))
	closeErr := out.Close()
	if err != nil {
		return Result{}, err
	}
	if closeErr != nil {
		return Result{}, closeErr
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(dst, mode.Perm()); err != nil {
			return Result{}, err
		}
	}

	return Result{BytesWritten: n, SHA256Hex: hex.EncodeToString(h.Sum(nil))}, nil
}
