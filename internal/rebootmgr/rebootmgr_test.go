package rebootmgr_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jutuon/app-manager/internal/config"
	"github.com/jutuon/app-manager/internal/mountmgr"
	"github.com/jutuon/app-manager/internal/rebootmgr"
)

type fakeKeyProvider struct {
	calls int
	err   error
}

func (f *fakeKeyProvider) GetEncryptionKey(ctx context.Context, server string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("key"), nil
}

func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// mountScripts returns a minimal passing script set, enough to drive
// mountmgr.Manager.Mount to completion without a real secure storage volume.
func mountScripts(t *testing.T) config.ScriptLocations {
	dir := t.TempDir()
	return config.ScriptLocations{
		OpenEncryption:           writeStub(t, dir, "open.sh", "cat > /dev/null\nexit 0"),
		CloseEncryption:          writeStub(t, dir, "close.sh", "exit 0"),
		IsDefaultPassword:        writeStub(t, dir, "isdefault.sh", "exit 1"),
		ChangeEncryptionPassword: writeStub(t, dir, "change.sh", "cat > /dev/null\nexit 0"),
		StartBackend:             writeStub(t, dir, "start.sh", "exit 0"),
		StopBackend:              writeStub(t, dir, "stop.sh", "exit 0"),
		PrintLogs:                writeStub(t, dir, "print.sh", "exit 0"),
	}
}

func TestPendingLatchIsMonotonic(t *testing.T) {
	var p rebootmgr.PendingLatch
	require.False(t, p.Get())
	p.Set()
	require.True(t, p.Get())
	p.Set()
	require.True(t, p.Get())
}

func TestRequestNowCoalesces(t *testing.T) {
	state := mountmgr.NewState()
	s := rebootmgr.New(3, 0, &rebootmgr.PendingLatch{}, state, "", nil, nil, rebootmgr.WithSudo(false))

	// Multiple rapid requests must not block (capacity-1 coalescing).
	done := make(chan struct{})
	go func() {
		s.RequestNow()
		s.RequestNow()
		s.RequestNow()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RequestNow blocked")
	}
}

func TestRunExitsOnQuit(t *testing.T) {
	state := mountmgr.NewState()
	var pending rebootmgr.PendingLatch
	s := rebootmgr.New(23, 59, &pending, state, "", nil, nil, rebootmgr.WithSudo(false))

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.Run(context.Background(), quit)
		close(done)
	}()

	close(quit)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not exit on quit")
	}
}

func TestInterlockNotConsultedOutsideRemoteKeyMount(t *testing.T) {
	state := mountmgr.NewState()
	// state is left at its zero value, NotMounted: the interlock only
	// applies under MountedWithRemoteKey, so the key provider must never be
	// consulted here.
	kp := &fakeKeyProvider{err: errors.New("unreachable")}
	var pending rebootmgr.PendingLatch
	pending.Set()
	s := rebootmgr.New(23, 59, &pending, state, "peer1", kp, nil, rebootmgr.WithSudo(false))

	// The interlock is bypassed here, so the scheduler runs `reboot`; a
	// stub placed first on PATH stands in for the real command.
	stubDir := t.TempDir()
	writeStub(t, stubDir, "reboot", "exit 0")
	t.Setenv("PATH", stubDir+":"+os.Getenv("PATH"))

	quit := make(chan struct{})
	s.RequestNow()
	go s.Run(context.Background(), quit)
	time.Sleep(50 * time.Millisecond)
	close(quit)

	require.Equal(t, 0, kp.calls, "key provider must not be consulted outside MountedWithRemoteKey")
}

func TestInterlockBlocksWithUnreachableKeyProviderUnderRemoteKeyMount(t *testing.T) {
	// Drive the mount state to MountedWithRemoteKey through the real public
	// Mount API, the same way the supervisor does at startup.
	mountState := mountmgr.NewState()
	mount := mountmgr.New(
		mountScripts(t),
		config.SecureStorageConfig{AvailabilityCheckPath: filepath.Join(t.TempDir(), "absent")},
		"peer1",
		&fakeKeyProvider{},
		mountState,
		mountmgr.WithSudo(false),
	)
	require.NoError(t, mount.Mount(context.Background()))
	require.Equal(t, mountmgr.MountedWithRemoteKey, mountState.Get())

	kp := &fakeKeyProvider{err: errors.New("unreachable")}
	var pending rebootmgr.PendingLatch
	pending.Set()
	s := rebootmgr.New(23, 59, &pending, mountState, "peer1", kp, nil, rebootmgr.WithSudo(false))

	quit := make(chan struct{})
	s.RequestNow()
	go s.Run(context.Background(), quit)
	time.Sleep(50 * time.Millisecond)
	close(quit)

	require.GreaterOrEqual(t, kp.calls, 1, "key provider must be consulted under MountedWithRemoteKey")
	require.True(t, pending.Get(), "reboot must stay interlocked: pending must not be cleared")
}
