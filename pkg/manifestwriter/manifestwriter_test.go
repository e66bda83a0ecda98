package manifestwriter

import (
	"encoding/json"
	"testing"

	"github.com/cadalytix/installer/pkg/types"
)

func sampleRequest() *types.InstallRequest {
	return &types.InstallRequest{
		Mode:        types.InstallModeWindows,
		Type:        types.InstallationTypical,
		Destination: `C:\Cadalytix`,
		Consent:     true,
	}
}

func TestBuildSortsFilesAndSelfHashes(t *testing.T) {
	files := []types.ManifestFileEntry{
		{RelativePath: "b.txt", SHA256: "bbb"},
		{RelativePath: "a.txt", SHA256: "aaa"},
	}
	body, selfHash, err := Build(sampleRequest(), files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if selfHash == "" {
		t.Fatal("expected non-empty self hash")
	}

	var m types.InstallManifest
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Files[0].RelativePath != "a.txt" || m.Files[1].RelativePath != "b.txt" {
		t.Fatalf("files not sorted: %+v", m.Files)
	}
	if m.SelfSHA256 != selfHash {
		t.Fatalf("embedded self_sha256 = %q, want %q", m.SelfSHA256, selfHash)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	files := []types.ManifestFileEntry{{RelativePath: "a.txt", SHA256: "aaa"}}
	_, hash1, _ := Build(sampleRequest(), files)
	_, hash2, _ := Build(sampleRequest(), files)
	if hash1 != hash2 {
		t.Fatalf("hashes differ across identical builds: %s vs %s", hash1, hash2)
	}
}

func TestVerifyAcceptsValidManifest(t *testing.T) {
	files := []types.ManifestFileEntry{{RelativePath: "a.txt", SHA256: "aaa"}}
	body, _, err := Build(sampleRequest(), files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := Verify(body); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsMutation(t *testing.T) {
	files := []types.ManifestFileEntry{{RelativePath: "a.txt", SHA256: "aaa"}}
	body, _, err := Build(sampleRequest(), files)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	m["destination"] = "tampered"
	tampered, _ := json.Marshal(m)

	if err := Verify(tampered); err == nil {
		t.Fatal("expected verify to reject a mutated manifest")
	}
}
