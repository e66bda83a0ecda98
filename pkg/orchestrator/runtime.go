package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cadalytix/installer/pkg/types"
)

// ResolveRuntimeRoot locates the runtime payload root relative to the
// installer binary's own location, not the process's working directory —
// the wizard may be launched from anywhere, but the payload always ships
// alongside the binary.
func ResolveRuntimeRoot() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("orchestrator: resolve executable path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Join(filepath.Dir(resolved), "runtime"), nil
}

func platformDir(mode types.InstallMode) string {
	return string(mode)
}

// runtimeSources resolves the two roots files are deployed from: the
// shared payload and the platform-specific payload selected by mode. It
// distinguishes "folder missing" from "folder empty" per the orchestrator's
// contract, since the two failure messages mean different things to an
// operator debugging a broken install media.
func runtimeSources(runtimeRoot string, mode types.InstallMode) (shared, platform string, err error) {
	shared = filepath.Join(runtimeRoot, "shared")
	platform = filepath.Join(runtimeRoot, platformDir(mode))

	if err := checkRuntimeDir(shared); err != nil {
		return "", "", err
	}
	if err := checkRuntimeDir(platform); err != nil {
		return "", "", err
	}
	return shared, platform, nil
}

func checkRuntimeDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			parent := filepath.Dir(dir)
			if parentInfo, perr := os.Stat(parent); perr == nil && parentInfo.IsDir() {
				if entries, _ := os.ReadDir(parent); len(entries) == 0 {
					return types.NewError(types.KindDeploymentFailed,
						fmt.Errorf("orchestrator: runtime payload folder %s is empty", parent))
				}
			}
			return types.NewError(types.KindDeploymentFailed,
				fmt.Errorf("orchestrator: runtime payload folder %s is missing", dir))
		}
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: stat %s: %w", dir, err))
	}
	if !info.IsDir() {
		return types.NewError(types.KindDeploymentFailed, fmt.Errorf("orchestrator: %s is not a directory", dir))
	}
	return nil
}
