// Package supervisor implements the top-level process lifecycle: strictly
// ordered startup, signal handling, and ordered teardown, wiring every
// other subsystem together.
package supervisor

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/containerd/log"
	mobysignal "github.com/moby/sys/signal"

	"github.com/jutuon/app-manager/internal/apiclient"
	"github.com/jutuon/app-manager/internal/apilock"
	"github.com/jutuon/app-manager/internal/apiserver"
	"github.com/jutuon/app-manager/internal/buildmgr"
	"github.com/jutuon/app-manager/internal/config"
	"github.com/jutuon/app-manager/internal/diag"
	"github.com/jutuon/app-manager/internal/metrics"
	"github.com/jutuon/app-manager/internal/mountmgr"
	"github.com/jutuon/app-manager/internal/rebootmgr"
	"github.com/jutuon/app-manager/internal/tlsutil"
	"github.com/jutuon/app-manager/internal/updatemgr"
)

// Supervisor owns every long-running subsystem and the two TLS/plaintext
// listeners, and runs the startup/shutdown sequences.
type Supervisor struct {
	cfg     *config.Config
	metrics *metrics.Registry

	peers map[string]*apiclient.Client

	build      *buildmgr.Manager
	mountState *mountmgr.State
	mount      *mountmgr.Manager
	pending    *rebootmgr.PendingLatch
	reboot     *rebootmgr.Scheduler
	update     *updatemgr.Manager
	lock       *apilock.Lock

	server           *apiserver.Server
	publicListener   net.Listener
	operatorListener net.Listener

	wg sync.WaitGroup
}

// New wires every subsystem from cfg but starts nothing.
func New(cfg *config.Config) (*Supervisor, error) {
	reg := metrics.New()

	peers := make(map[string]*apiclient.Client, len(cfg.Peers))
	for name, pc := range cfg.Peers {
		tlsCfg, err := tlsutil.NewClientConfig(pc.RootCA)
		if err != nil {
			return nil, err
		}
		var opts []apiclient.Option
		if pc.Timeout > 0 {
			opts = append(opts, apiclient.WithKeyFetchTimeout(pc.Timeout))
		}
		peers[name] = apiclient.New(pc.BaseURL, pc.APIKey, tlsCfg, opts...)
	}

	var keyProvider mountmgr.KeyProvider
	var rebootKeyProvider rebootmgr.KeyProvider
	if cfg.KeyProviderPeerName != "" {
		if peer, ok := peers[cfg.KeyProviderPeerName]; ok {
			keyProvider = peer
			rebootKeyProvider = peer
		}
	}

	mountState := mountmgr.NewState()
	mount := mountmgr.New(cfg.ScriptLocations, cfg.SecureStorage, cfg.KeyProviderPeerName, keyProvider, mountState)

	var build *buildmgr.Manager
	if cfg.IsBuildNode() {
		build = buildmgr.New(*cfg.SoftwareBuilder, cfg.StorageDir, reg)
	}

	var pending rebootmgr.PendingLatch
	hour, minute := cfg.RebootTimeParts()
	reboot := rebootmgr.New(hour, minute, &pending, mountState, cfg.KeyProviderPeerName, rebootKeyProvider, reg)

	var updateSource updatemgr.Source
	signingKeyFile := ""
	managerInstallPath := ""
	if cfg.SoftwareUpdateProvider != nil {
		if peer, ok := peers[cfg.SoftwareUpdateProvider.PeerName]; ok {
			updateSource = peer
		}
		managerInstallPath = cfg.SoftwareUpdateProvider.ManagerInstallPath
	}
	if cfg.IsBuildNode() {
		signingKeyFile = cfg.SoftwareBuilder.SigningPublicKeyFile
	}
	update := updatemgr.New(cfg.StorageDir, cfg.Backend, managerInstallPath, cfg.ScriptLocations, signingKeyFile, updateSource, reboot, &pending, reg)

	lock := &apilock.Lock{}

	diagCmds, err := diag.DefaultCommands(cfg.JournalServices, cfg.ScriptLocations.PrintLogs)
	if err != nil {
		return nil, err
	}

	peerClients := make(map[string]apiserver.PeerClient, len(peers))
	for name, p := range peers {
		peerClients[name] = p
	}

	var upstream apiserver.PeerClient
	if !cfg.IsBuildNode() && cfg.SoftwareUpdateProvider != nil {
		upstream = peers[cfg.SoftwareUpdateProvider.PeerName]
	}

	store := apiserver.DiskStore{
		UpdateDir: filepath.Join(cfg.StorageDir, "update"),
		LatestDir: filepath.Join(cfg.StorageDir, "build", "latest"),
	}

	server := &apiserver.Server{
		APIKey:       cfg.APIKey,
		Lock:         lock,
		IsBuildNode:  cfg.IsBuildNode(),
		Update:       update,
		Upstream:     upstream,
		Keys:         apiserver.FileKeyStore{Dir: cfg.StorageDir},
		Software:     store,
		Latest:       store,
		MountState:   mountState,
		DiagCommands: diagCmds,
		Peers:        peerClients,
	}
	if build != nil {
		server.Build = build
	}

	return &Supervisor{
		cfg:        cfg,
		metrics:    reg,
		peers:      peers,
		build:      build,
		mountState: mountState,
		mount:      mount,
		pending:    &pending,
		reboot:     reboot,
		update:     update,
		lock:       lock,
		server:     server,
	}, nil
}

// Run executes the full startup sequence, blocks until SIGTERM/SIGINT,
// then runs the shutdown sequence.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.G(ctx)
	logger.Info("starting supervisor")

	quit := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	var closeOnce sync.Once
	closeQuit := func() { closeOnce.Do(func() { close(quit) }) }
	go func() {
		sig := <-sigCh
		logger.WithField("signal", signalName(sig)).Info("signal received, shutting down")
		closeQuit()
	}()

	if s.build != nil {
		s.wg.Add(1)
		go func() { defer s.wg.Done(); s.build.Run(ctx, quit) }()
	}

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.reboot.Run(ctx, quit) }()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.update.Run(ctx, quit) }()

	if err := s.bindListeners(); err != nil {
		closeQuit()
		return err
	}
	s.serveListeners(ctx)

	if err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.WithError(err).Debug("systemd notify failed (likely not running under systemd)")
	}

	s.mount.MountLoop(ctx, quit)

	if err := os.MkdirAll(s.cfg.StorageDir, 0o755); err != nil {
		logger.WithError(err).Error("could not ensure storage dir exists")
	}

	s.maybeStartBackend(ctx)

	<-quit
	return s.shutdown(ctx)
}

// signalName reverse-looks-up sig in moby's cross-platform signal table so
// shutdown logs read "SIGTERM" rather than an opaque syscall number.
func signalName(sig os.Signal) string {
	for name, s := range mobysignal.SignalMap {
		if s == sig {
			return "SIG" + name
		}
	}
	return sig.String()
}

func (s *Supervisor) bindListeners() error {
	tlsCfg, err := tlsutil.NewServerConfig(s.cfg.TLS.PublicAPICert, s.cfg.TLS.PublicAPIKey)
	if err != nil {
		return err
	}
	ln, err := tls.Listen("tcp", s.cfg.PublicListenAddr, tlsCfg)
	if err != nil {
		return err
	}
	s.publicListener = ln

	if s.cfg.OperatorListenAddr != "" {
		opLn, err := net.Listen("tcp", s.cfg.OperatorListenAddr)
		if err != nil {
			return err
		}
		s.operatorListener = opLn
	}
	return nil
}

func (s *Supervisor) serveListeners(ctx context.Context) {
	publicSrv := &http.Server{Handler: s.server.Router()}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = publicSrv.Serve(s.publicListener)
	}()

	if s.operatorListener != nil {
		mux := http.NewServeMux()
		mux.Handle("/debug/metrics", metrics.Handler())
		mux.HandleFunc("/debug/diag", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(diagRun(ctx, s.server.DiagCommands)))
		})
		operatorSrv := &http.Server{Handler: mux}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = operatorSrv.Serve(s.operatorListener)
		}()
	}
}

func diagRun(ctx context.Context, cmds []diag.Command) string {
	return diag.Run(ctx, cmds)
}

func (s *Supervisor) maybeStartBackend(ctx context.Context) {
	if s.cfg.Backend.InstallPath == "" {
		return
	}
	if _, err := os.Stat(s.cfg.Backend.InstallPath); err != nil {
		return
	}
	if err := exec.CommandContext(ctx, "sudo", s.cfg.ScriptLocations.StartBackend).Run(); err != nil {
		log.G(ctx).WithError(err).Error("starting backend failed")
	}
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	logger := log.G(ctx)

	if s.publicListener != nil {
		_ = s.publicListener.Close()
	}
	if s.operatorListener != nil {
		_ = s.operatorListener.Close()
	}

	s.wg.Wait()

	if s.cfg.Backend.InstallPath != "" {
		if err := exec.CommandContext(ctx, "sudo", s.cfg.ScriptLocations.StopBackend).Run(); err != nil {
			logger.WithError(err).Warn("stopping backend failed during shutdown")
		}
	}

	if s.mountState.Get() != mountmgr.NotMounted {
		if err := s.mount.Unmount(ctx); err != nil {
			logger.WithError(err).Warn("unmount failed during shutdown")
		}
	}

	logger.Info("supervisor shut down cleanly")
	return nil
}
