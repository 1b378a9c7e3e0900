// Package update implements the self-update watchdog: it resolves the
// latest published release for the current platform, compares it against the
// running binary and atomically replaces the executable when a newer one is
// available. The running process keeps its mapping of the old file; the new
// binary takes effect on the next start.
package update

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/schaermu/vaultsyncd/internal/config"
)

const (
	defaultAPIBase    = "https://api.github.com"
	defaultReleaseRepo = "schaermu/vaultsyncd"

	downloadTimeout = 5 * time.Minute
)

// release is the subset of the GitHub release payload the updater reads.
type release struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// Updater checks for and applies new releases of the running binary.
type Updater struct {
	cfg     config.SelfUpdateConfig
	version string
	logger  *slog.Logger

	// Overridable for tests.
	apiBase     string
	releaseRepo string
	exePath     func() (string, error)
	client      *http.Client
}

// New creates an updater for the given running version.
func New(cfg config.SelfUpdateConfig, version string, logger *slog.Logger) *Updater {
	return &Updater{
		cfg:         cfg,
		version:     version,
		logger:      logger,
		apiBase:     defaultAPIBase,
		releaseRepo: defaultReleaseRepo,
		exePath:     os.Executable,
		client:      &http.Client{Timeout: downloadTimeout},
	}
}

// Check resolves the latest release and applies it when newer than the
// running binary. It returns true when the executable on disk was replaced
// and the process should restart. When an external update command is
// configured, that command runs instead of the builtin download path.
func (u *Updater) Check(ctx context.Context) (bool, error) {
	if u.cfg.Command != "" {
		return false, u.runCommand(ctx)
	}

	current := canonicalVersion(u.version)
	if !semver.IsValid(current) {
		// Dev builds carry no comparable version; updating over them would
		// clobber a binary that was never released.
		u.logger.Info("running a non-release build, skipping update check", "version", u.version)
		return false, nil
	}

	rel, err := u.latestRelease(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to resolve latest release: %w", err)
	}

	latest := canonicalVersion(rel.TagName)
	if !semver.IsValid(latest) {
		return false, fmt.Errorf("release tag %q is not a valid version", rel.TagName)
	}
	if semver.Compare(latest, current) <= 0 {
		u.logger.Info("binary is up to date", "version", current, "latest", latest)
		return false, nil
	}

	a, ok := pickAsset(rel.Assets)
	if !ok {
		return false, fmt.Errorf("release %s has no asset for %s/%s", rel.TagName, runtime.GOOS, runtime.GOARCH)
	}

	u.logger.Info("newer release available, updating",
		"current", current,
		"latest", latest,
		"asset", a.Name)

	if err := u.apply(ctx, a); err != nil {
		return false, err
	}

	u.logger.Info("binary replaced", "version", latest)
	return true, nil
}

// runCommand delegates the entire update to the configured external command.
func (u *Updater) runCommand(ctx context.Context) error {
	u.logger.Info("running external update command", "command", u.cfg.Command)

	cmd := exec.CommandContext(ctx, "sh", "-c", u.cfg.Command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("update command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// latestRelease fetches the newest published release descriptor.
func (u *Updater) latestRelease(ctx context.Context) (*release, error) {
	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.apiBase, u.releaseRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("failed to decode release payload: %w", err)
	}
	return &rel, nil
}

// apply downloads the asset and atomically replaces the running executable:
// the new binary is written to a temporary file in the executable's own
// directory and renamed over it. The old file is never truncated in place,
// since the running process is still mapped from it.
func (u *Updater) apply(ctx context.Context, a asset) error {
	exe, err := u.exePath()
	if err != nil {
		return fmt.Errorf("failed to locate running executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	download, err := u.fetchAsset(ctx, a)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(download)
	}()

	tmp, err := os.CreateTemp(filepath.Dir(exe), ".vaultsyncd-update-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file next to executable: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if err := extractBinary(download, a.Name, tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to extract release asset: %w", err)
	}
	if err := tmp.Chmod(0o755); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := verifyBinary(tmpPath); err != nil {
		return fmt.Errorf("extracted artifact is not runnable: %w", err)
	}

	if err := os.Rename(tmpPath, exe); err != nil {
		return fmt.Errorf("failed to replace executable: %w", err)
	}
	return nil
}

// fetchAsset downloads the release asset to a temporary file.
func (u *Updater) fetchAsset(ctx context.Context, a asset) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.DownloadURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", a.Name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, a.Name)
	}

	tmp, err := os.CreateTemp("", "vaultsyncd-download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to download %s: %w", a.Name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// extractBinary writes the executable contained in the downloaded asset to
// dst. Tarballs are searched for the first regular file whose base name
// matches the binary; anything else is treated as a raw binary.
func extractBinary(srcPath, assetName string, dst io.Writer) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	if !strings.HasSuffix(assetName, ".tar.gz") && !strings.HasSuffix(assetName, ".tgz") {
		_, err := io.Copy(dst, src)
		return err
	}

	gz, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer func() {
		_ = gz.Close()
	}()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("no binary found in %s", assetName)
		}
		if err != nil {
			return fmt.Errorf("failed to read tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(hdr.Name) != "vaultsyncd" {
			continue
		}
		_, err = io.Copy(dst, tr)
		return err
	}
}

// verifyBinary rejects obviously broken artifacts before they replace the
// executable.
func verifyBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("artifact is empty")
	}
	if info.Mode().Perm()&0o100 == 0 {
		return fmt.Errorf("artifact is not executable")
	}
	return nil
}

// pickAsset selects the release asset matching the current platform using
// the <name>_<version>_<os>_<arch> release naming. Matching is on whole
// underscore-separated segments so "arm" never claims an arm64 asset.
func pickAsset(assets []asset) (asset, bool) {
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		name = strings.TrimSuffix(name, ".tar.gz")
		name = strings.TrimSuffix(name, ".tgz")
		name = strings.TrimSuffix(name, ".zip")

		var hasOS, hasArch bool
		for _, part := range strings.Split(name, "_") {
			if part == runtime.GOOS {
				hasOS = true
			}
			if part == runtime.GOARCH {
				hasArch = true
			}
		}
		if hasOS && hasArch {
			return a, true
		}
	}
	return asset{}, false
}

// canonicalVersion normalizes a version or tag into semver comparison form.
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
