// Package mountmgr implements the mount state machine that decides which
// key opens the secure-storage volume and records how it got opened.
package mountmgr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"

	"github.com/jutuon/app-manager/internal/apperr"
	"github.com/jutuon/app-manager/internal/config"
)

// MountMode is the process-wide, monotonic record of how secure storage
// was opened. The zero value is NotMounted.
type MountMode int

const (
	NotMounted MountMode = iota
	MountedWithRemoteKey
	MountedWithLocalKey
	MountedWithDefaultKey
	MountedWithUnknownKey
)

func (m MountMode) String() string {
	switch m {
	case MountedWithRemoteKey:
		return "mounted-with-remote-key"
	case MountedWithLocalKey:
		return "mounted-with-local-key"
	case MountedWithDefaultKey:
		return "mounted-with-default-key"
	case MountedWithUnknownKey:
		return "mounted-with-unknown-key"
	default:
		return "not-mounted"
	}
}

// State is the single process-wide MountMode, guarded by a mutex held only
// around the small synchronous mode read/write. Transitions are monotonic
// within one process run.
type State struct {
	mu   sync.Mutex
	mode MountMode
}

// NewState returns a State starting at NotMounted.
func NewState() *State { return &State{} }

// Get returns the current mode.
func (s *State) Get() MountMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *State) set(m MountMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// KeyProvider fetches a named data-encryption key from a peer. Satisfied
// by *apiclient.Client; kept as an interface here so the state machine is
// testable without a live HTTP server.
type KeyProvider interface {
	GetEncryptionKey(ctx context.Context, server string) ([]byte, error)
}

// Manager runs the mount state machine on behalf of one node.
type Manager struct {
	scripts               config.ScriptLocations
	availabilityCheckPath string
	localKey              []byte
	keyProviderPeerName   string
	keyProvider           KeyProvider
	state                 *State
	useSudo               bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithSudo controls whether scripts are invoked via sudo. Production
// always wants the default (true); tests that run plain shell scripts as
// the test's own user pass WithSudo(false).
func WithSudo(enabled bool) Option {
	return func(m *Manager) { m.useSudo = enabled }
}

// New constructs a Manager. keyProvider may be nil if no key_provider_peer
// is configured; localKey may be nil if no local_encryption_key is set.
func New(scripts config.ScriptLocations, storage config.SecureStorageConfig, keyProviderPeerName string, keyProvider KeyProvider, state *State, opts ...Option) *Manager {
	var localKey []byte
	if storage.LocalEncryptionKey != "" {
		localKey = []byte(storage.LocalEncryptionKey)
	}
	m := &Manager{
		scripts:               scripts,
		availabilityCheckPath: storage.AvailabilityCheckPath,
		localKey:              localKey,
		keyProviderPeerName:   keyProviderPeerName,
		keyProvider:           keyProvider,
		state:                 state,
		useSudo:               true,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the shared MountState this manager writes to.
func (m *Manager) State() *State { return m.state }

// Mount runs one attempt of the mount state machine.
func (m *Manager) Mount(ctx context.Context) error {
	if _, err := os.Stat(m.availabilityCheckPath); err == nil {
		m.state.set(MountedWithUnknownKey)
		return nil
	}

	candidate, candidateMode := m.resolveKeyCandidate(ctx)

	isDefault, err := m.runCheck(ctx, m.scripts.IsDefaultPassword)
	if err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessSpawn, "running is-default-encryption-password")
	}

	if isDefault {
		if candidate != nil {
			if err := m.runWithStdin(ctx, m.scripts.ChangeEncryptionPassword, candidate); err != nil {
				return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "running change-encryption-password")
			}
		} else {
			candidate = []byte("password\n")
			candidateMode = MountedWithDefaultKey
		}
	}

	if err := m.runWithStdin(ctx, m.scripts.OpenEncryption, candidate); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "running open-encryption")
	}

	m.state.set(candidateMode)
	log.G(ctx).WithField("mode", candidateMode).Info("secure storage mounted")
	m.logMountVerification(ctx)
	return nil
}

// logMountVerification cross-checks the availability path against
// /proc/self/mountinfo. It never fails Mount: the open-encryption script's
// own exit status is the authoritative signal; this is only an extra
// diagnostic for logs when the two disagree.
func (m *Manager) logMountVerification(ctx context.Context) {
	dir := filepath.Dir(m.availabilityCheckPath)
	mounted, err := mountinfo.Mounted(dir)
	if err != nil {
		log.G(ctx).WithError(err).Debug("mountinfo verification unavailable")
		return
	}
	if !mounted {
		log.G(ctx).WithField("dir", dir).Warn("open-encryption succeeded but mountinfo reports no mount at that path")
	}
}

// MountLoop retries Mount once per hour until it succeeds or quit fires.
func (m *Manager) MountLoop(ctx context.Context, quit <-chan struct{}) error {
	for {
		err := m.Mount(ctx)
		if err == nil {
			return nil
		}
		log.G(ctx).WithError(err).Error("mount attempt failed, retrying in one hour")
		select {
		case <-quit:
			return err
		case <-time.After(time.Hour):
		}
	}
}

// Unmount runs close-encryption unconditionally when the availability path
// exists. The mode is not cleared.
func (m *Manager) Unmount(ctx context.Context) error {
	if _, err := os.Stat(m.availabilityCheckPath); err != nil {
		return nil
	}
	if err := m.runWithStdin(ctx, m.scripts.CloseEncryption, nil); err != nil {
		return apperr.Wrap(err, apperr.KindSubprocessExitNonzero, "running close-encryption")
	}
	return nil
}

// resolveKeyCandidate tries the remote key first, then the discouraged
// local key, else no candidate.
func (m *Manager) resolveKeyCandidate(ctx context.Context) ([]byte, MountMode) {
	if m.keyProvider != nil {
		key, err := m.keyProvider.GetEncryptionKey(ctx, m.keyProviderPeerName)
		if err == nil {
			return key, MountedWithRemoteKey
		}
		log.G(ctx).WithError(err).Warn("remote key provider unreachable, falling back")
	}
	if m.localKey != nil {
		return m.localKey, MountedWithLocalKey
	}
	return nil, NotMounted
}

// runCheck runs path with sudo and reports whether it exited zero, without
// treating a non-zero exit as an error in itself: the script's exit status
// *is* the boolean.
func (m *Manager) runCheck(ctx context.Context, path string) (bool, error) {
	cmd := m.command(ctx, path)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	if _, ok := err.(*exec.ExitError); ok {
		return false, nil
	}
	return false, err
}

// runWithStdin runs path, feeding stdin (if non-nil) then closing it, and
// requires a zero exit status.
func (m *Manager) runWithStdin(ctx context.Context, path string, stdin []byte) error {
	cmd := m.command(ctx, path)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.Run()
}

func (m *Manager) command(ctx context.Context, path string) *exec.Cmd {
	if m.useSudo {
		return exec.CommandContext(ctx, "sudo", path)
	}
	return exec.CommandContext(ctx, path)
}
