// Package archiver is the monthly export/compress/verify/ledger pipeline:
// a gated, idempotent sequence that turns a month of hot-retention rows
// into a single immutable zip in cold storage, never re-doing work the
// ledger already recorded as complete.
package archiver

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/cadalytix/installer/pkg/log"
	"github.com/cadalytix/installer/pkg/metrics"
	"github.com/cadalytix/installer/pkg/types"
)

// FetchRowsFunc loads the rows to archive for a given month (YYYY-MM).
type FetchRowsFunc func(ctx context.Context, month string) ([]Row, error)

// WatermarkFunc reports whether ingestion for month is final and safe to
// archive.
type WatermarkFunc func(ctx context.Context, month string) (bool, error)

// Pipeline runs the per-month archive steps against one archive policy.
type Pipeline struct {
	Policy     types.ArchivePolicy
	LedgerPath string
	FetchRows  FetchRowsFunc
	Watermark  WatermarkFunc
	DryRun     bool
}

// RunResult summarizes what RunMonth actually did.
type RunResult struct {
	Skipped  bool
	ZipPath  string
	RowCount int
}

// RunMonth executes the pipeline for month (YYYY-MM). override bypasses the
// watermark gate. Re-running after a prior success is a no-op: the
// idempotency gate returns immediately with Skipped=true.
func (p *Pipeline) RunMonth(ctx context.Context, month string, override bool) (RunResult, error) {
	logger := log.WithComponent("archiver")
	ledger := &Ledger{Path: p.LedgerPath}

	entries, err := ledger.Load()
	if err != nil {
		return RunResult{}, err
	}

	// 1. Idempotency gate.
	if existing, ok := entries[month]; ok && existing.Status == types.ArchiveComplete {
		logger.Info().Str("month", month).Msg("archive already complete, skipping")
		metrics.ArchiveRunsTotal.WithLabelValues("skipped").Inc()
		return RunResult{Skipped: true}, nil
	}

	// 2. Destination check.
	if err := p.checkDestination(); err != nil {
		return RunResult{}, err
	}

	// 3. Watermark gate.
	if !override {
		if p.Watermark != nil {
			ok, err := p.Watermark(ctx, month)
			if err != nil {
				return RunResult{}, fmt.Errorf("archiver: watermark check for %s: %w", month, err)
			}
			if !ok {
				return RunResult{}, fmt.Errorf("archiver: month %s is not yet final for archival", month)
			}
		}
	}

	// 4. Export.
	rows, err := p.FetchRows(ctx, month)
	if err != nil {
		return RunResult{}, fmt.Errorf("archiver: fetch rows for %s: %w", month, err)
	}

	dataName, exported, err := p.export(rows)
	if err != nil {
		return RunResult{}, err
	}

	// 5. Compress.
	zipBody, err := p.compress(dataName, exported)
	if err != nil {
		return RunResult{}, err
	}
	sum := sha256.Sum256(zipBody)
	zipHash := hex.EncodeToString(sum[:])

	// 6. Cap enforcement.
	zipName := fmt.Sprintf("cadalytix-archive-%s.zip", month)
	finalPath := filepath.Join(p.Policy.Destination, zipName)
	if err := p.enforceCap(int64(len(zipBody))); err != nil {
		return RunResult{}, err
	}

	// 7. Atomic write.
	if err := p.atomicWrite(finalPath, zipBody); err != nil {
		return RunResult{}, err
	}

	// 8. Verify.
	if err := p.verify(finalPath, zipHash); err != nil {
		return RunResult{}, err
	}

	// 9. Purge — deliberately absent in dry-run, logged as not implemented
	// otherwise. No destructive action without an explicit purge design.
	if !p.DryRun {
		logger.Info().Str("month", month).Msg("purge step not_implemented")
	}

	// 10. Ledger update.
	var minT, maxT time.Time
	if len(rows) > 0 {
		minT, maxT = timeRange(rows)
	}
	entries[month] = types.ArchiveLedgerEntry{
		Month:      month,
		Status:     types.ArchiveComplete,
		Format:     p.Policy.Format,
		RowCount:   len(rows),
		MinTime:    minT,
		MaxTime:    maxT,
		ZipSHA256:  zipHash,
		ZipBytes:   int64(len(zipBody)),
		CreatedUTC: time.Now().UTC(),
	}
	if err := ledger.Save(entries); err != nil {
		return RunResult{}, err
	}

	metrics.ArchiveRunsTotal.WithLabelValues("complete").Inc()
	metrics.ArchiveExportBytes.WithLabelValues(month).Set(float64(len(zipBody)))
	metrics.ArchiveExportRows.WithLabelValues(month).Set(float64(len(rows)))
	logger.Info().Str("month", month).Int("rows", len(rows)).Str("zip", finalPath).Msg("archive complete")
	return RunResult{ZipPath: finalPath, RowCount: len(rows)}, nil
}

func (p *Pipeline) export(rows []Row) (dataName string, body []byte, err error) {
	switch p.Policy.Format {
	case types.ArchiveFormatZipNDJSON:
		body, err := exportNDJSON(rows)
		return "calls.ndjson", body, err
	case types.ArchiveFormatZipCSV:
		body, err := exportCSV(rows)
		return "calls.csv", body, err
	default:
		return "", nil, fmt.Errorf("archiver: unknown format %q", p.Policy.Format)
	}
}

func (p *Pipeline) compress(dataName string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(dataName)
	if err != nil {
		return nil, fmt.Errorf("archiver: create zip entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("archiver: write zip entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("archiver: close zip: %w", err)
	}
	return buf.Bytes(), nil
}

// checkDestination verifies the destination exists, is a directory, and is
// writable via a temp-file probe that it then deletes.
func (p *Pipeline) checkDestination() error {
	info, err := os.Stat(p.Policy.Destination)
	if err != nil {
		return fmt.Errorf("archiver: destination %s: %w", p.Policy.Destination, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archiver: destination %s is not a directory", p.Policy.Destination)
	}
	probe := filepath.Join(p.Policy.Destination, ".archiver-write-probe")
	if err := os.WriteFile(probe, []byte("probe"), 0o644); err != nil {
		return fmt.Errorf("archiver: destination %s is not writable: %w", p.Policy.Destination, err)
	}
	os.Remove(probe)
	return nil
}

// enforceCap sums the destination folder's top-level file bytes and rejects
// the write if adding newZipBytes would exceed the policy's cap.
func (p *Pipeline) enforceCap(newZipBytes int64) error {
	entries, err := os.ReadDir(p.Policy.Destination)
	if err != nil {
		return fmt.Errorf("archiver: read destination for cap check: %w", err)
	}
	var current int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		current += info.Size()
	}
	capBytes := int64(p.Policy.MaxUsageGB * 1e9)
	if current+newZipBytes > capBytes {
		return types.NewError(types.KindCapExceeded,
			fmt.Errorf("archiver: writing %d bytes would exceed cap of %d bytes (current usage %d)", newZipBytes, capBytes, current))
	}
	return nil
}

const (
	writeRetryAttempts = 3
	writeRetryBase     = 100 * time.Millisecond
)

// atomicWrite writes body to finalPath via a .tmp file then a rename,
// retrying the rename on transient errors.
func (p *Pipeline) atomicWrite(finalPath string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("archiver: create destination directory: %w", err)
	}
	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		return fmt.Errorf("archiver: write temp file: %w", err)
	}

	var lastErr error
	delay := writeRetryBase
	for attempt := 1; attempt <= writeRetryAttempts; attempt++ {
		if err := os.Rename(tmpPath, finalPath); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == writeRetryAttempts {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay) / 2))
		time.Sleep(delay + jitter)
		delay *= 2
	}
	os.Remove(tmpPath)
	return fmt.Errorf("archiver: rename temp file to %s: %w", finalPath, lastErr)
}

// verify re-reads finalPath and confirms its SHA-256 matches wantHash.
func (p *Pipeline) verify(finalPath, wantHash string) error {
	body, err := os.ReadFile(finalPath)
	if err != nil {
		return types.NewError(types.KindVerifyFailed, fmt.Errorf("archiver: re-read %s: %w", finalPath, err))
	}
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != wantHash {
		return types.NewError(types.KindVerifyFailed, fmt.Errorf("archiver: %s failed hash verification", finalPath))
	}
	return nil
}
