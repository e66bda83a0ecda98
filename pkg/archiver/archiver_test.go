package archiver

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cadalytix/installer/pkg/types"
)

func fixedRows() []Row {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]Row, 0, 5)
	for i := 0; i < 5; i++ {
		rows = append(rows, Row{
			Timestamp: base.Add(time.Duration(i) * 24 * time.Hour),
			Data:      map[string]string{"call_id": "C" + string(rune('0'+i))},
		})
	}
	return rows
}

func newPipeline(t *testing.T, format types.ArchiveFormat) (*Pipeline, string) {
	t.Helper()
	dest := t.TempDir()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.json")
	p := &Pipeline{
		Policy: types.ArchivePolicy{
			Format:      format,
			Destination: dest,
			MaxUsageGB:  1,
		},
		LedgerPath: ledgerPath,
		FetchRows: func(ctx context.Context, month string) ([]Row, error) {
			return fixedRows(), nil
		},
	}
	return p, dest
}

func TestRunMonthProducesExpectedZip(t *testing.T) {
	p, dest := newPipeline(t, types.ArchiveFormatZipNDJSON)

	res, err := p.RunMonth(context.Background(), "2025-01", true)
	if err != nil {
		t.Fatalf("RunMonth: %v", err)
	}
	if res.Skipped {
		t.Fatal("expected first run not to be skipped")
	}
	if res.RowCount != 5 {
		t.Fatalf("RowCount = %d, want 5", res.RowCount)
	}

	zipPath := filepath.Join(dest, "cadalytix-archive-2025-01.zip")
	if _, err := os.Stat(zipPath); err != nil {
		t.Fatalf("expected zip at %s: %v", zipPath, err)
	}

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "calls.ndjson" {
		t.Fatalf("unexpected zip contents: %+v", zr.File)
	}
}

func TestRunMonthIsIdempotent(t *testing.T) {
	p, dest := newPipeline(t, types.ArchiveFormatZipNDJSON)

	if _, err := p.RunMonth(context.Background(), "2025-01", true); err != nil {
		t.Fatalf("first RunMonth: %v", err)
	}
	res, err := p.RunMonth(context.Background(), "2025-01", true)
	if err != nil {
		t.Fatalf("second RunMonth: %v", err)
	}
	if !res.Skipped {
		t.Fatal("expected second run to be skipped")
	}

	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	zipCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".zip" {
			zipCount++
		}
	}
	if zipCount != 1 {
		t.Fatalf("zip count = %d, want 1", zipCount)
	}
}

func TestRunMonthCSVFormat(t *testing.T) {
	p, dest := newPipeline(t, types.ArchiveFormatZipCSV)

	if _, err := p.RunMonth(context.Background(), "2025-02", true); err != nil {
		t.Fatalf("RunMonth: %v", err)
	}

	zipPath := filepath.Join(dest, "cadalytix-archive-2025-02.zip")
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	if len(zr.File) != 1 || zr.File[0].Name != "calls.csv" {
		t.Fatalf("unexpected zip contents: %+v", zr.File)
	}
}

func TestRunMonthWatermarkGateBlocksWithoutOverride(t *testing.T) {
	p, _ := newPipeline(t, types.ArchiveFormatZipNDJSON)
	p.Watermark = func(ctx context.Context, month string) (bool, error) { return false, nil }

	if _, err := p.RunMonth(context.Background(), "2025-03", false); err == nil {
		t.Fatal("expected watermark gate to block the run")
	}
}

func TestRunMonthCapExceeded(t *testing.T) {
	p, _ := newPipeline(t, types.ArchiveFormatZipNDJSON)
	p.Policy.MaxUsageGB = 0.0000001 // about 100 bytes, smaller than any archive zip

	_, err := p.RunMonth(context.Background(), "2025-04", true)
	if err == nil {
		t.Fatal("expected cap exceeded error")
	}
	if kind, ok := types.ErrorKind(err); !ok || kind != types.KindCapExceeded {
		t.Fatalf("expected KindCapExceeded, got %v (ok=%v)", kind, ok)
	}
}

func TestRunMonthDestinationMustExist(t *testing.T) {
	p, _ := newPipeline(t, types.ArchiveFormatZipNDJSON)
	p.Policy.Destination = filepath.Join(t.TempDir(), "does-not-exist")

	if _, err := p.RunMonth(context.Background(), "2025-05", true); err == nil {
		t.Fatal("expected destination-missing error")
	}
}
