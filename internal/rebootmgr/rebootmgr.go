// Package rebootmgr implements the reboot scheduler: a daily wall-clock
// wake plus an explicit RebootNow channel, gated by a key-availability
// safety interlock.
package rebootmgr

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/jutuon/app-manager/internal/metrics"
	"github.com/jutuon/app-manager/internal/mountmgr"
)

// cooldown is the pause after every wake, to prevent tight-loop retries if
// wake-time calculation is ever trivially satisfied.
const cooldown = 120 * time.Second

// rebootRequiredPath is checked alongside the RebootPending latch.
const rebootRequiredPath = "/var/run/reboot-required"

// PendingLatch is a monotonic false->true latch, reset implicitly by a
// successful reboot.
type PendingLatch struct {
	pending atomic.Bool
}

// Set trips the latch. Idempotent.
func (p *PendingLatch) Set() { p.pending.Store(true) }

// Get reports whether the latch is set.
func (p *PendingLatch) Get() bool { return p.pending.Load() }

func (p *PendingLatch) clear() { p.pending.Store(false) }

// KeyProvider fetches a named data-encryption key, used here only for the
// reboot safety interlock.
type KeyProvider interface {
	GetEncryptionKey(ctx context.Context, server string) ([]byte, error)
}

// Scheduler runs the daily reboot check.
type Scheduler struct {
	rebootHour, rebootMinute int
	pending                  *PendingLatch
	mountState                *mountmgr.State
	keyProvider               KeyProvider
	keyProviderPeerName       string
	metrics                   *metrics.Registry
	rebootNow                 chan struct{}
	useSudo                   bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSudo controls whether `reboot` is invoked via sudo (default true).
func WithSudo(enabled bool) Option {
	return func(s *Scheduler) { s.useSudo = enabled }
}

// New constructs a Scheduler. keyProvider may be nil if no
// key_provider_peer is configured. Any mount mode other than
// MountedWithRemoteKey bypasses the interlock; under MountedWithRemoteKey
// with a nil keyProvider the reboot is aborted.
func New(rebootHour, rebootMinute int, pending *PendingLatch, mountState *mountmgr.State, keyProviderPeerName string, keyProvider KeyProvider, reg *metrics.Registry, opts ...Option) *Scheduler {
	s := &Scheduler{
		rebootHour:          rebootHour,
		rebootMinute:        rebootMinute,
		pending:             pending,
		mountState:          mountState,
		keyProvider:         keyProvider,
		keyProviderPeerName: keyProviderPeerName,
		metrics:             reg,
		rebootNow:           make(chan struct{}, 1),
		useSudo:             true,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RequestNow asks the scheduler to run reboot_if_needed as soon as
// possible. Coalesced: multiple pending requests collapse to one wake.
func (s *Scheduler) RequestNow() {
	select {
	case s.rebootNow <- struct{}{}:
	default:
	}
}

// Run services the daily wake, the RebootNow channel, and quit, until
// quit fires.
func (s *Scheduler) Run(ctx context.Context, quit <-chan struct{}) {
	for {
		wait := s.durationUntilNextWake(ctx)
		select {
		case <-time.After(wait):
			s.rebootIfNeeded(ctx)
			s.awaitCooldownOrQuit(quit)
		case <-s.rebootNow:
			s.rebootIfNeeded(ctx)
			s.awaitCooldownOrQuit(quit)
		case <-quit:
			return
		}

		select {
		case <-quit:
			return
		default:
		}
	}
}

func (s *Scheduler) awaitCooldownOrQuit(quit <-chan struct{}) {
	select {
	case <-time.After(cooldown):
	case <-quit:
	}
}

// rebootIfNeeded evaluates whether a reboot is due and applies the
// safety interlock before actually rebooting.
func (s *Scheduler) rebootIfNeeded(ctx context.Context) {
	logger := log.G(ctx)
	_, statErr := os.Stat(rebootRequiredPath)
	needed := statErr == nil || s.pending.Get()
	if !needed {
		logger.Info("no reboot needed")
		return
	}

	if s.mountState.Get() == mountmgr.MountedWithRemoteKey {
		if s.keyProvider == nil {
			logger.Warn("remote-key mount mode but no key provider configured, reboot aborted")
			s.recordOutcome("interlocked")
			return
		}
		if _, err := s.keyProvider.GetEncryptionKey(ctx, s.keyProviderPeerName); err != nil {
			logger.WithError(err).Error("key provider unreachable, reboot aborted")
			s.recordOutcome("interlocked")
			return
		}
	}

	if err := s.command(ctx).Run(); err != nil {
		logger.WithError(err).Error("reboot command failed")
		s.recordOutcome("failed")
		return
	}

	s.pending.clear()
	s.recordOutcome("succeeded")
}

func (s *Scheduler) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RebootTotal.WithValues(outcome).Inc(1)
	}
}

func (s *Scheduler) command(ctx context.Context) *exec.Cmd {
	if s.useSudo {
		return exec.CommandContext(ctx, "sudo", "reboot")
	}
	return exec.CommandContext(ctx, "reboot")
}

// durationUntilNextWake computes the wait until the next configured
// HH:MM in local time, where local time is UTC plus the hours-only
// offset from `date +%z` (minutes in the offset are intentionally
// truncated).
func (s *Scheduler) durationUntilNextWake(ctx context.Context) time.Duration {
	offset, err := localOffset(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("could not determine local offset, assuming UTC")
		offset = 0
	}

	now := time.Now().UTC().Add(offset)
	target := time.Date(now.Year(), now.Month(), now.Day(), s.rebootHour, s.rebootMinute, 0, 0, time.UTC)
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}
	return target.Sub(now)
}

// localOffset runs `date +%z` and parses "±HHMM", truncating minutes.
func localOffset(ctx context.Context) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, "date", "+%z").Output()
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(out))
	if len(s) < 3 {
		return 0, nil
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	hh, err := strconv.Atoi(s[1:3])
	if err != nil {
		return 0, err
	}
	return time.Duration(sign*hh) * time.Hour, nil
}
