// Package updatemgr implements the update manager: download, verify,
// swap, reboot request, and backend restart/reset. It receives commands
// through the single-slot channel from internal/slot.
package updatemgr

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/containerd/log"

	"github.com/jutuon/app-manager/internal/apperr"
	"github.com/jutuon/app-manager/internal/config"
	"github.com/jutuon/app-manager/internal/metrics"
	"github.com/jutuon/app-manager/internal/model"
	"github.com/jutuon/app-manager/internal/slot"
)

// UpdateSoftware requests that kind be refreshed from the configured
// update provider.
type UpdateSoftware struct {
	Kind        model.SoftwareKind
	ForceReboot bool
	ResetData   bool
}

// RestartBackend requests a backend stop/(optional reset)/start cycle.
type RestartBackend struct {
	ResetData bool
}

// Command is the tagged union accepted by the update manager's slot:
// exactly one of Update or Restart is set.
type Command struct {
	Update  *UpdateSoftware
	Restart *RestartBackend
}

// Source fetches build info and artifacts from the configured update
// provider peer. Satisfied by *apiclient.Client.
type Source interface {
	GetLatestBuildInfo(ctx context.Context, kind model.SoftwareKind) (model.BuildInfo, error)
	DownloadArtifact(ctx context.Context, kind model.SoftwareKind) (io.ReadCloser, error)
}

// RebootRequester submits a RebootNow request to the reboot scheduler.
// Satisfied by *rebootmgr.Scheduler.
type RebootRequester interface {
	RequestNow()
}

// PendingSetter trips the RebootPending latch. Satisfied by
// *rebootmgr.PendingLatch.
type PendingSetter interface {
	Set()
}

// Manager runs the update and restart pipelines, one command at a time.
type Manager struct {
	updateDir            string
	managerInstallPath   string
	backendInstallPath   string
	backendDataDir       string
	scripts              config.ScriptLocations
	source               Source
	signingPublicKeyFile string
	reboot               RebootRequester
	pending              PendingSetter
	metrics              *metrics.Registry
	useSudo              bool
	slot                 *slot.Slot[Command]
}

// Option configures a Manager.
type Option func(*Manager)

// WithSudo controls whether backend scripts are invoked via sudo (default
// true).
func WithSudo(enabled bool) Option {
	return func(m *Manager) { m.useSudo = enabled }
}

// New constructs a Manager rooted at storageDir/update. managerInstallPath
// is where this node's own manager binary is installed on self-update; it
// mirrors backend.InstallPath and is configured the same way (never
// derived from the running executable).
func New(storageDir string, backend config.BackendConfig, managerInstallPath string, scripts config.ScriptLocations, signingPublicKeyFile string, source Source, reboot RebootRequester, pending PendingSetter, reg *metrics.Registry, opts ...Option) *Manager {
	m := &Manager{
		updateDir:            filepath.Join(storageDir, "update"),
		managerInstallPath:   managerInstallPath,
		backendInstallPath:   backend.InstallPath,
		backendDataDir:       backend.DataDir,
		scripts:              scripts,
		source:               source,
		signingPublicKeyFile: signingPublicKeyFile,
		reboot:               reboot,
		pending:              pending,
		metrics:              reg,
		useSudo:              true,
		slot:                 slot.New[Command](),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SubmitUpdate enqueues an UpdateSoftware command.
func (m *Manager) SubmitUpdate(kind model.SoftwareKind, forceReboot, resetData bool) error {
	return m.slot.Submit(Command{Update: &UpdateSoftware{Kind: kind, ForceReboot: forceReboot, ResetData: resetData}})
}

// SubmitRestart enqueues a RestartBackend command.
func (m *Manager) SubmitRestart(resetData bool) error {
	return m.slot.Submit(Command{Restart: &RestartBackend{ResetData: resetData}})
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
			m.handle(ctx, cmd)
		}
		container.Release()
	}
}

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

func (m *Manager) handle(ctx context.Context, cmd Command) {
	start := time.Now()
	var err error
	var kindLabel string
	switch {
	case cmd.Update != nil:
		kindLabel = cmd.Update.Kind.String()
		err = m.updateSoftware(ctx, *cmd.Update)
	case cmd.Restart != nil:
		kindLabel = model.SoftwareBackend.String()
		err = m.restartBackend(ctx, *cmd.Restart)
	}
	if err != nil {
		log.G(ctx).WithError(err).Error("update manager command failed")
	}
	if m.metrics != nil {
		m.metrics.UpdateDuration.WithValues(kindLabel).UpdateSince(start)
	}
}

// updateSoftware downloads, verifies, and installs the latest build for
// cmd.Kind. Installing a new build sets the reboot-pending latch and, when
// cmd.ForceReboot is set, requests an immediate reboot.
func (m *Manager) updateSoftware(ctx context.Context, cmd UpdateSoftware) error {
	paths := model.Update(m.updateDir, cmd.Kind)
	if err := os.MkdirAll(m.updateDir, 0o755); err != nil {
		return apperr.Wrap(err, apperr.KindFilesystemIO, "creating update dir")
	}

	current, _ := readBuildInfo(paths.Info)
	latest, err := m.source.GetLatestBuildInfo(ctx, cmd.Kind)
	if err != nil {
		return apperr.Wrap(err, apperr.KindNetworkRequest, "fetching latest build info")
	}

	if !current.Equal(latest) {
		if err := m.downloadAndVerify(ctx, cmd.Kind, paths, latest); err != nil {
			return err
		}
	}

	installed, _ := readBuildInfo(paths.Installed)
	if !latest.Equal(installed) {
		if err := m.install(cmd, paths, latest); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) downloadAndVerify(ctx context.Context, kind model.SoftwareKind, paths model.UpdatePaths, latest model.BuildInfo) error {
	body, err := m.source.DownloadArtifact(ctx, kind)
	if err != nil {
		return apperr.Wrap(err, apperr.KindNetworkRequest, "downloading artifact")
	}
	defer body.Close()

	out, err := os.OpenFile(paths.Encrypted, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.Wrap(err, apperr.KindFilesystemIO, "writing encrypted artifact")
	}
	_, copyErr := io.Copy(out, body)
	closeErr := out.Close()
	if copyErr != nil {
		return apperr.Wrap(copyErr, apperr.KindFilesystemIO, "writing encrypted artifact")
	}
	if closeErr != nil {
		return apperr.Wrap(closeErr, apperr.KindFilesystemIO, "writing encrypted artifact")
	}

	if m.signingPublicKeyFile != "" {
		if err := exec.CommandContext(ctx, "gpg", "--import", m.signingPublicKeyFile).Run(); err != nil {
			return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "gpg --import")
		}
	}

	decrypt := exec.CommandContext(ctx, "gpg", "--output", paths.Decrypted, "--decrypt", paths.Encrypted)
	if err := decrypt.Run(); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "gpg --decrypt")
	}

	data, err := latest.Encode()
	if err != nil {
		return apperr.Wrap(err, apperr.KindDecode, "encoding build info")
	}
	if err := os.WriteFile(paths.Info, data, 0o644); err != nil {
		return apperr.Wrap(err, apperr.KindFilesystemIO, "writing build info")
	}
	return nil
}

func (m *Manager) install(cmd UpdateSoftware, paths model.UpdatePaths, latest model.BuildInfo) error {
	if _, err := os.Stat(paths.Installed); err == nil {
		if err := os.Rename(paths.Installed, paths.InstalledOld); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "archiving previous installed record")
		}
	}

	installTarget := m.installTarget(cmd.Kind)
	if installTarget != "" {
		if _, err := os.Stat(installTarget); err == nil {
			if err := os.Rename(installTarget, installTarget+".old"); err != nil {
				return apperr.Wrap(err, apperr.KindFilesystemIO, "archiving previous binary")
			}
		}
		if err := copyExecutable(paths.Decrypted, installTarget); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "installing binary")
		}
	}

	data, err := latest.Encode()
	if err != nil {
		return apperr.Wrap(err, apperr.KindDecode, "encoding build info")
	}
	if err := os.WriteFile(paths.Installed, data, 0o644); err != nil {
		return apperr.Wrap(err, apperr.KindFilesystemIO, "writing installed record")
	}

	if cmd.ResetData && cmd.Kind == model.SoftwareBackend && m.backendDataDir != "" {
		if err := rotateDataDir(m.backendDataDir); err != nil {
			return err
		}
	}

	m.pending.Set()
	if cmd.ForceReboot {
		m.reboot.RequestNow()
	}
	return nil
}

// installTarget returns where kind's binary is installed. Manager and
// backend are both configured install paths; neither is derived from the
// running process.
func (m *Manager) installTarget(kind model.SoftwareKind) string {
	if kind == model.SoftwareBackend {
		return m.backendInstallPath
	}
	return m.managerInstallPath
}

// restartBackend stops the backend, optionally rotates its data directory,
// then starts it again.
func (m *Manager) restartBackend(ctx context.Context, cmd RestartBackend) error {
	if err := m.runScript(ctx, m.scripts.StopBackend); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "stop_backend")
	}
	if cmd.ResetData && m.backendDataDir != "" {
		if err := rotateDataDir(m.backendDataDir); err != nil {
			return err
		}
	}
	if err := m.runScript(ctx, m.scripts.StartBackend); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "start_backend")
	}
	return nil
}

func (m *Manager) runScript(ctx context.Context, path string) error {
	if m.useSudo {
		return exec.CommandContext(ctx, "sudo", path).Run()
	}
	return exec.CommandContext(ctx, path).Run()
}

// rotateDataDir deletes dir-old if present, then renames dir to dir-old.
func rotateDataDir(dir string) error {
	old := dir + "-old"
	if _, err := os.Stat(old); err == nil {
		if err := os.RemoveAll(old); err != nil {
			return apperr.Wrap(err, apperr.KindFilesystemIO, "removing previous data dir")
		}
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	if err := os.Rename(dir, old); err != nil {
		return apperr.Wrap(err, apperr.KindFilesystemIO, "rotating data dir")
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

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Chmod(0o755)
}
