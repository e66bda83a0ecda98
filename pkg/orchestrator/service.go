package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cadalytix/installer/pkg/procutil"
	"github.com/cadalytix/installer/pkg/types"
)

const placeholderMarker = "docker-compose placeholder"

// verifyComposeFile checks that a compose file exists at path and is not
// the install-media placeholder template.
func verifyComposeFile(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return types.NewError(types.KindServiceStartFailed, fmt.Errorf("orchestrator: read compose file %s: %w", path, err))
	}
	if strings.Contains(strings.ToLower(string(body)), placeholderMarker) {
		return types.NewError(types.KindServiceStartFailed, fmt.Errorf("orchestrator: %s is still a placeholder template", path))
	}
	return nil
}

// startDocker rejects a placeholder compose file, then brings the stack up
// with `docker compose up -d`. It does not wait for the services; status is
// checked afterwards by verifyDocker.
func startDocker(ctx context.Context, destination string) error {
	composePath := filepath.Join(destination, "docker-compose.yml")
	if err := verifyComposeFile(composePath); err != nil {
		return err
	}

	res, err := procutil.RunWithRetry(ctx, "docker", []string{"compose", "-f", composePath, "up", "-d"}, 60*time.Second)
	if err != nil || res.ExitCode != 0 {
		return types.NewError(types.KindServiceStartFailed,
			fmt.Errorf("orchestrator: docker compose up failed (exit %d): %s", res.ExitCode, res.Stderr))
	}
	return nil
}

// verifyDocker runs `docker compose ps` once and requires a zero exit code;
// it does not poll or retry.
func verifyDocker(ctx context.Context, destination string) error {
	composePath := filepath.Join(destination, "docker-compose.yml")
	res, err := procutil.Run(ctx, "docker", []string{"compose", "-f", composePath, "ps"}, 30*time.Second)
	if err != nil || res.ExitCode != 0 {
		return types.NewError(types.KindVerifyFailed,
			fmt.Errorf("orchestrator: docker compose ps failed (exit %d): %s", res.ExitCode, res.Stderr))
	}
	return nil
}

// windowsServiceCandidates is a heuristic list of executable names a
// deployed payload might expose as its Windows service entry point. A real
// deployment needs an explicit runtime-payload descriptor; this is a
// placeholder until one exists.
var windowsServiceCandidates = []string{
	"CadalytixService.exe",
	"service.exe",
	"cadalytix-service.exe",
}

func findWindowsServiceExecutable(destination string) (string, error) {
	for _, candidate := range windowsServiceCandidates {
		path := filepath.Join(destination, candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", types.NewError(types.KindServiceStartFailed,
		fmt.Errorf("orchestrator: no known service executable found in %s", destination))
}

// startWindowsService installs and starts the deployed service. It is a
// hard failure to attempt this on a non-Windows host: the candidate list
// and sc.exe invocation only make sense there.
func startWindowsService(ctx context.Context, destination string) error {
	if runtime.GOOS != "windows" {
		return types.NewError(types.KindServiceStartFailed,
			fmt.Errorf("orchestrator: windows service install requested on %s host", runtime.GOOS))
	}

	exe, err := findWindowsServiceExecutable(destination)
	if err != nil {
		return err
	}

	const serviceName = "CadalytixPlatform"
	res, err := procutil.RunWithRetry(ctx, "sc", []string{"create", serviceName, "binPath=", exe, "start=", "auto"}, 30*time.Second)
	if err != nil || res.ExitCode != 0 {
		return types.NewError(types.KindServiceStartFailed,
			fmt.Errorf("orchestrator: service create failed (exit %d): %s", res.ExitCode, res.Stderr))
	}

	res, err = procutil.RunWithRetry(ctx, "sc", []string{"start", serviceName}, 30*time.Second)
	if err != nil || res.ExitCode != 0 {
		return types.NewError(types.KindServiceStartFailed,
			fmt.Errorf("orchestrator: service start failed (exit %d): %s", res.ExitCode, res.Stderr))
	}
	return nil
}

// verifyWindowsService confirms the service reports a running state.
func verifyWindowsService(ctx context.Context) error {
	const serviceName = "CadalytixPlatform"
	res, err := procutil.Run(ctx, "sc", []string{"query", serviceName}, 15*time.Second)
	if err != nil || res.ExitCode != 0 || !strings.Contains(res.Stdout, "RUNNING") {
		return types.NewError(types.KindVerifyFailed, fmt.Errorf("orchestrator: service %s is not running", serviceName))
	}
	return nil
}
