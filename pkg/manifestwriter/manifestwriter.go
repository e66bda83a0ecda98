// Package manifestwriter builds the deterministic, self-hashed installation
// manifest: a sorted file list with SHA-256 digests, hashed unsigned, then
// re-emitted with the digest embedded as self_sha256.
package manifestwriter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cadalytix/installer/pkg/types"
)

const schemaVersion = 1

// unsigned mirrors types.InstallManifest without the self_sha256 field —
// the exact byte form the self-hash is computed over.
type unsigned struct {
	SchemaVersion int                       `json:"schema_version"`
	CreatedUTC    string                    `json:"created_utc"`
	Mode          types.InstallMode         `json:"mode"`
	Type          types.InstallationType    `json:"type"`
	Destination   string                    `json:"destination"`
	Consent       bool                      `json:"consent"`
	Files         []types.ManifestFileEntry `json:"files"`
}

// Build assembles the canonical manifest for req and files, computes its
// self-hash over the unsigned form, and returns the signed pretty-printed
// JSON alongside the hash.
func Build(req *types.InstallRequest, files []types.ManifestFileEntry) ([]byte, string, error) {
	sorted := make([]types.ManifestFileEntry, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RelativePath < sorted[j].RelativePath })

	u := unsigned{
		SchemaVersion: schemaVersion,
		CreatedUTC:    time.Now().UTC().Format(time.RFC3339),
		Mode:          req.Mode,
		Type:          req.Type,
		Destination:   req.Destination,
		Consent:       req.Consent,
		Files:         sorted,
	}

	unsignedBody, err := json.Marshal(u)
	if err != nil {
		return nil, "", fmt.Errorf("manifestwriter: marshal unsigned manifest: %w", err)
	}
	sum := sha256.Sum256(unsignedBody)
	selfHash := hex.EncodeToString(sum[:])

	signed := types.InstallManifest{
		SchemaVersion: u.SchemaVersion,
		CreatedUTC:    u.CreatedUTC,
		Mode:          u.Mode,
		Type:          u.Type,
		Destination:   u.Destination,
		Consent:       u.Consent,
		Files:         u.Files,
		SelfSHA256:    selfHash,
	}

	signedBody, err := json.MarshalIndent(signed, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("manifestwriter: marshal signed manifest: %w", err)
	}
	return signedBody, selfHash, nil
}

// Verify recomputes the self-hash of a previously-built signed manifest and
// confirms it matches the embedded self_sha256.
func Verify(signedBody []byte) error {
	var m types.InstallManifest
	if err := json.Unmarshal(signedBody, &m); err != nil {
		return types.NewError(types.KindVerifyFailed, fmt.Errorf("manifestwriter: parse manifest: %w", err))
	}

	u := unsigned{
		SchemaVersion: m.SchemaVersion,
		CreatedUTC:    m.CreatedUTC,
		Mode:          m.Mode,
		Type:          m.Type,
		Destination:   m.Destination,
		Consent:       m.Consent,
		Files:         m.Files,
	}
	unsignedBody, err := json.Marshal(u)
	if err != nil {
		return types.NewError(types.KindVerifyFailed, fmt.Errorf("manifestwriter: marshal unsigned manifest: %w", err))
	}
	sum := sha256.Sum256(unsignedBody)
	if hex.EncodeToString(sum[:]) != m.SelfSHA256 {
		return types.NewError(types.KindVerifyFailed, fmt.Errorf("manifestwriter: self_sha256 mismatch"))
	}
	return nil
}
