// Package buildmgr drives the build pipeline: git sync, conditional
// rebuild, sign+encrypt, and publish into latest/ and history/. It
// receives commands through the single-slot channel from internal/slot
// and runs them strictly one at a time.
package buildmgr

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"

	"github.com/jutuon/app-manager/internal/apperr"
	"github.com/jutuon/app-manager/internal/config"
	"github.com/jutuon/app-manager/internal/metrics"
	"github.com/jutuon/app-manager/internal/model"
	"github.com/jutuon/app-manager/internal/slot"
)

// Command requests a build of one colocated binary.
type Command struct {
	Kind model.SoftwareKind
}

// Manager owns the build pipeline's command intake and runs it to
// completion, one command at a time.
type Manager struct {
	cfg      config.SoftwareBuilderConfig
	buildRoot string
	latestDir string
	historyRoot string
	metrics  *metrics.Registry
	slot     *slot.Slot[Command]
}

// New constructs a Manager rooted at storageDir/build.
func New(cfg config.SoftwareBuilderConfig, storageDir string, reg *metrics.Registry) *Manager {
	buildRoot := filepath.Join(storageDir, "build")
	return &Manager{
		cfg:         cfg,
		buildRoot:   buildRoot,
		latestDir:   filepath.Join(buildRoot, "latest"),
		historyRoot: filepath.Join(buildRoot, "history"),
		metrics:     reg,
		slot:        slot.New[Command](),
	}
}

// Submit enqueues a build request. Returns slot.ErrAlreadyBusy if a
// build is already in flight.
func (m *Manager) Submit(kind model.SoftwareKind) error {
	return m.slot.Submit(Command{Kind: kind})
}

// Run services the command slot until quit fires.
func (m *Manager) Run(ctx context.Context, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			m.slot.Close()
			return
		default:
		}

		waitCtx, cancel := contextWithQuit(ctx, quit)
		err := m.slot.AwaitMessage(waitCtx)
		cancel()
		if err != nil {
			if err == slot.ErrClosed {
				return
			}
			select {
			case <-quit:
				return
			default:
				continue
			}
		}

		container := m.slot.AcquireContainer()
		cmd, ok := container.Message()
		if ok {
			m.handle(ctx, cmd.Kind)
		}
		container.Release()
	}
}

// contextWithQuit derives a context cancelled either by parent
// cancellation or by the quit channel firing.
func contextWithQuit(parent context.Context, quit <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Manager) repoConfig(kind model.SoftwareKind) config.RepoConfig {
	if kind == model.SoftwareManager {
		return m.cfg.Manager
	}
	return m.cfg.Backend
}

func (m *Manager) handle(ctx context.Context, kind model.SoftwareKind) {
	start := time.Now()
	logger := log.G(ctx).WithField("kind", kind.String())
	if err := m.build(ctx, kind); err != nil {
		logger.WithError(err).Error("build failed")
	}
	if m.metrics != nil {
		m.metrics.BuildDuration.WithValues(kind.String()).UpdateSince(start)
	}
}

func (m *Manager) build(ctx context.Context, kind model.SoftwareKind) error {
	logger := log.G(ctx).WithField("kind", kind.String())
	repoCfg := m.repoConfig(kind)

	if repoCfg.SSHKeyPath != "" {
		if err := config.ValidateShellSafePath(repoCfg.SSHKeyPath); err != nil {
			return apperr.Wrap(err, apperr.KindConfigMissing, "ssh_key_path")
		}
	}

	repoDir := filepath.Join(m.buildRoot, kind.String())
	if _, err := os.Stat(repoDir); os.IsNotExist(err) {
		if err := m.gitClone(ctx, repoCfg, repoDir); err != nil {
			return err
		}
	}
	if err := m.gitPull(ctx, repoCfg, repoDir); err != nil {
		return err
	}

	sha, err := m.gitRevParseHead(ctx, repoDir)
	if err != nil {
		return err
	}

	latestPaths := model.Latest(m.latestDir, kind)
	prev, _ := readBuildInfo(latestPaths.Info)
	if prev.CommitSHA == sha {
		logger.Info("no new commits, build skipped")
		return nil
	}

	if repoCfg.PreBuildScript != "" {
		if err := runBash(ctx, repoCfg.PreBuildScript, repoDir); err != nil {
			return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "pre_build_script")
		}
	}

	if err := runReleaseBuild(ctx, repoDir, repoCfg.BinaryName); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "release build")
	}

	builtBinary := filepath.Join(repoDir, "target", "release", repoCfg.BinaryName)
	buildInfoBlob, err := captureBuildInfo(ctx, builtBinary)
	if err != nil {
		return err
	}

	timestamp := time.Now().UTC().Format("20060102T150405Z")
	bi := model.BuildInfo{
		CommitSHA: sha,
		Name:      kind.RepoName(),
		Timestamp: timestamp,
		BuildInfo: buildInfoBlob,
	}

	if err := m.ensureGPGKey(ctx); err != nil {
		return err
	}
	encryptedPath := filepath.Join(repoDir, repoCfg.BinaryName+".gpg")
	if err := m.encryptAndSign(ctx, builtBinary, encryptedPath); err != nil {
		return err
	}

	return m.publish(kind, builtBinary, encryptedPath, bi, timestamp)
}

func (m *Manager) publish(kind model.SoftwareKind, binary, encrypted string, bi model.BuildInfo, timestamp string) error {
	historyDir := model.HistoryDir(m.historyRoot, kind, timestamp)

	infoBytes, err := bi.Encode()
	if err != nil {
		return apperr.Wrap(err, apperr.KindDecode, "encoding build info")
	}

	for _, dir := range []string{m.latestDir, historyDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "creating publish dir")
		}
	}

	name := kind.BinaryName()
	targets := []struct{ dir string }{{m.latestDir}, {historyDir}}
	for _, t := range targets {
		if err := copyFile(binary, filepath.Join(t.dir, name), 0o755); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "publishing binary")
		}
		if err := copyFile(encrypted, filepath.Join(t.dir, name+".gpg"), 0o644); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "publishing encrypted binary")
		}
		if err := os.WriteFile(filepath.Join(t.dir, name+".json"), infoBytes, 0o644); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "publishing build info")
		}
	}

	return nil
}

func readBuildInfo(path string) (model.BuildInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.BuildInfo{}, nil
	}
	return model.DecodeBuildInfo(data)
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Chmod(mode)
}

func (m *Manager) gitClone(ctx context.Context, repoCfg config.RepoConfig, repoDir string) error {
	args := []string{"clone", "-b", repoCfg.Branch}
	if repoCfg.SSHKeyPath != "" {
		args = append(args, "-c", "core.sshCommand=ssh -i "+repoCfg.SSHKeyPath)
	}
	args = append(args, repoCfg.CloneURL, repoDir)
	if err := exec.CommandContext(ctx, "git", args...).Run(); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "git clone")
	}
	return nil
}

func (m *Manager) gitPull(ctx context.Context, repoCfg config.RepoConfig, repoDir string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "pull", "origin", repoCfg.Branch)
	if err := cmd.Run(); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "git pull")
	}
	return nil
}

func (m *Manager) gitRevParseHead(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "rev-parse", "HEAD")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "git rev-parse HEAD")
	}
	return strings.TrimSpace(out.String()), nil
}

func runBash(ctx context.Context, script, dir string) error {
	cmd := exec.CommandContext(ctx, "/bin/bash", "-eux", script)
	cmd.Dir = dir
	return cmd.Run()
}

func runReleaseBuild(ctx context.Context, repoDir, binaryName string) error {
	cmd := exec.CommandContext(ctx, "nice", "-n", "19", "cargo", "build", "--bin", binaryName, "--release")
	cmd.Dir = repoDir
	return cmd.Run()
}

func captureBuildInfo(ctx context.Context, binaryPath string) (string, error) {
	cmd := exec.CommandContext(ctx, binaryPath, "--build-info")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "capturing --build-info")
	}
	return strings.TrimSpace(out.String()), nil
}

// ensureGPGKey generates a signing key for cfg.GPGKeyID if the local
// keyring does not already hold a secret key under that identifier.
func (m *Manager) ensureGPGKey(ctx context.Context) error {
	check := exec.CommandContext(ctx, "gpg", "--list-secret-keys", m.cfg.GPGKeyID)
	if err := check.Run(); err == nil {
		return nil
	}
	gen := exec.CommandContext(ctx, "gpg", "--quick-generate-key", m.cfg.GPGKeyID, "default", "default", "none")
	if err := gen.Run(); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "gpg --quick-generate-key")
	}
	return nil
}

func (m *Manager) encryptAndSign(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "gpg", "--encrypt", "--sign", "--recipient", m.cfg.GPGKeyID, "--output", dst, src)
	if err := cmd.Run(); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "gpg --encrypt --sign")
	}
	return nil
}
