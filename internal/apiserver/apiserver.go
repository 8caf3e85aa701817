// Package apiserver assembles the control API surface: a gorilla/mux
// router dispatching into the build/update/mount managers and the peer
// API client, guarded by the x-api-key header and the apilock latch.
package apiserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/jutuon/app-manager/internal/apilock"
	"github.com/jutuon/app-manager/internal/apperr"
	"github.com/jutuon/app-manager/internal/diag"
	"github.com/jutuon/app-manager/internal/model"
	"github.com/jutuon/app-manager/internal/mountmgr"
)

// BuildRequester enqueues a build on this node (build-node role).
// Satisfied by *buildmgr.Manager. Consumer nodes forward build requests
// through Upstream instead.
type BuildRequester interface {
	Submit(kind model.SoftwareKind) error
}

// UpdateRequester enqueues software updates and backend restarts.
// Satisfied by *updatemgr.Manager.
type UpdateRequester interface {
	SubmitUpdate(kind model.SoftwareKind, forceReboot, resetData bool) error
	SubmitRestart(resetData bool) error
}

// PeerClient is the subset of apiclient.Client the router calls directly
// (key lookups, proxying to an upstream builder, fan-out for
// system_info_all).
type PeerClient interface {
	GetEncryptionKey(ctx context.Context, server string) ([]byte, error)
	GetLatestBuildInfo(ctx context.Context, kind model.SoftwareKind) (model.BuildInfo, error)
	DownloadArtifact(ctx context.Context, kind model.SoftwareKind) (io.ReadCloser, error)
	RequestBuild(ctx context.Context, kind model.SoftwareKind) error
	GetSystemInfo(ctx context.Context, all bool) (string, error)
}

// KeyStore reads named encryption keys from disk (this node's own secrets,
// not a peer's).
type KeyStore interface {
	ReadKey(name string) ([]byte, error)
}

// SoftwareInfoReader reads both Installed Records for a kind.
type SoftwareInfoReader interface {
	ReadInstalled(kind model.SoftwareKind) (current, previous model.BuildInfo, err error)
}

// LatestReader reads the Artifact Triple out of this node's own latest/
// publish slot (build-node role only).
type LatestReader interface {
	ReadLatestInfo(kind model.SoftwareKind) (model.BuildInfo, error)
	ReadLatestBinary(kind model.SoftwareKind) ([]byte, error)
}

// Server bundles every collaborator an endpoint might need: a record of
// collaborator handles rather than a class hierarchy.
type Server struct {
	APIKey string
	Lock   *apilock.Lock

	IsBuildNode bool
	Build       BuildRequester
	Update      UpdateRequester
	Upstream    PeerClient // nil unless this node is an update consumer
	Keys        KeyStore
	Software    SoftwareInfoReader
	Latest      LatestReader
	MountState  *mountmgr.State

	DiagCommands []diag.Command
	Peers        map[string]PeerClient // for system_info_all fan-out
}

// Router builds the mux.Router serving every control API endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.authMiddleware)

	r.HandleFunc("/manager_api/encryption_key/{server}", s.handleEncryptionKey).Methods(http.MethodGet)
	r.HandleFunc("/manager_api/latest_software", s.handleLatestSoftware).Methods(http.MethodGet)
	r.HandleFunc("/manager_api/request_build_software", s.handleRequestBuild).Methods(http.MethodPost)
	r.HandleFunc("/manager_api/request_software_update", s.handleRequestUpdate).Methods(http.MethodPost)
	r.HandleFunc("/manager_api/request_restart_or_reset_backend", s.handleRequestRestart).Methods(http.MethodPost)
	r.HandleFunc("/manager_api/software_info", s.handleSoftwareInfo).Methods(http.MethodGet)
	r.HandleFunc("/manager_api/system_info", s.handleSystemInfo).Methods(http.MethodGet)
	r.HandleFunc("/manager_api/system_info_all", s.handleSystemInfoAll).Methods(http.MethodGet)
	return r
}

type requestIDKey struct{}

// requestIDMiddleware stamps every request with a correlation ID, returned
// in the x-request-id response header and added to the request's logger,
// so a caller's response can be matched to this node's log lines.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("x-request-id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		ctx = log.WithLogger(ctx, log.G(ctx).WithField("request_id", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authMiddleware enforces the API key contract: missing header -> 400,
// locked or wrong key -> 423 (with the first wrong key tripping the lock).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("x-api-key")
		if presented == "" {
			http.Error(w, "missing x-api-key", http.StatusBadRequest)
			return
		}
		if !s.Lock.Check(s.APIKey, presented) {
			http.Error(w, "locked", http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleEncryptionKey(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["server"]
	key, err := s.Keys.ReadKey(name)
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(key)
}

func (s *Server) handleLatestSoftware(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseSoftwareKind(r.URL.Query().Get("software_options"))
	if !ok {
		http.Error(w, "invalid software_options", http.StatusBadRequest)
		return
	}
	downloadType := r.URL.Query().Get("download_type")

	if !s.IsBuildNode {
		if s.Upstream == nil {
			http.Error(w, "no update provider configured", http.StatusInternalServerError)
			return
		}
		s.proxyLatestSoftware(w, r, kind, downloadType)
		return
	}

	if downloadType == "info" {
		bi, err := s.Latest.ReadLatestInfo(kind)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		s.writeBuildInfo(w, bi)
		return
	}

	data, err := s.Latest.ReadLatestBinary(kind)
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) proxyLatestSoftware(w http.ResponseWriter, r *http.Request, kind model.SoftwareKind, downloadType string) {
	if downloadType == "info" {
		bi, err := s.Upstream.GetLatestBuildInfo(r.Context(), kind)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		s.writeBuildInfo(w, bi)
		return
	}
	body, err := s.Upstream.DownloadArtifact(r.Context(), kind)
	if err != nil {
		writeServerError(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, body)
}

func (s *Server) writeBuildInfo(w http.ResponseWriter, bi model.BuildInfo) {
	data, err := bi.Encode()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleRequestBuild(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseSoftwareKind(r.URL.Query().Get("software_options"))
	if !ok {
		http.Error(w, "invalid software_options", http.StatusBadRequest)
		return
	}
	var err error
	if s.IsBuildNode {
		err = s.Build.Submit(kind)
	} else if s.Upstream != nil {
		err = s.Upstream.RequestBuild(r.Context(), kind)
	} else {
		http.Error(w, "no builder configured", http.StatusInternalServerError)
		return
	}
	if err != nil {
		log.G(r.Context()).WithError(err).Warn("request_build_software did not enqueue")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRequestUpdate(w http.ResponseWriter, r *http.Request) {
	kind, ok := model.ParseSoftwareKind(r.URL.Query().Get("software_options"))
	if !ok {
		http.Error(w, "invalid software_options", http.StatusBadRequest)
		return
	}
	reboot := parseBoolDefault(r.URL.Query().Get("reboot"), false)
	resetData := parseBoolDefault(r.URL.Query().Get("reset_data"), false)

	if err := s.Update.SubmitUpdate(kind, reboot, resetData); err != nil {
		log.G(r.Context()).WithError(err).Warn("request_software_update did not enqueue")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRequestRestart(w http.ResponseWriter, r *http.Request) {
	resetData := parseBoolDefault(r.URL.Query().Get("reset_data"), false)
	if err := s.Update.SubmitRestart(resetData); err != nil {
		log.G(r.Context()).WithError(err).Warn("request_restart_or_reset_backend did not enqueue")
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSoftwareInfo(w http.ResponseWriter, r *http.Request) {
	installed := map[string]model.BuildInfo{}
	installedOld := map[string]model.BuildInfo{}
	for _, kind := range []model.SoftwareKind{model.SoftwareManager, model.SoftwareBackend} {
		cur, prev, err := s.Software.ReadInstalled(kind)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		installed[kind.String()] = cur
		installedOld[kind.String()] = prev
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Installed    map[string]model.BuildInfo `json:"installed"`
		InstalledOld map[string]model.BuildInfo `json:"installed_old"`
	}{installed, installedOld})
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	out := diag.Run(r.Context(), s.DiagCommands)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, out)
}

func (s *Server) handleSystemInfoAll(w http.ResponseWriter, r *http.Request) {
	var out string
	out += "=== this node ===\n" + diag.Run(r.Context(), s.DiagCommands)
	for name, peer := range s.Peers {
		out += "\n=== " + name + " ===\n"
		remote, err := peer.GetSystemInfo(r.Context(), false)
		if err != nil {
			out += "(unreachable: " + err.Error() + ")\n"
			continue
		}
		out += remote
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, out)
}

func writeServerError(w http.ResponseWriter, r *http.Request, err error) {
	log.G(r.Context()).WithError(err).WithField("kind", apperr.KindOf(err)).Error("request failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseBoolDefault(s string, def bool) bool {
	if s == "" {
		return def
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return v
}

// FileKeyStore reads encryption keys as flat files under a directory,
// named exactly after the requested server.
type FileKeyStore struct {
	Dir string
}

func (f FileKeyStore) ReadKey(name string) ([]byte, error) {
	data, err := os.ReadFile(f.Dir + "/" + name)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFilesystemIO, "reading encryption key")
	}
	return data, nil
}
