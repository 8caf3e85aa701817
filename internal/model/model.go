// Package model holds the wire/disk entities shared across subsystems:
// SoftwareKind, BuildInfo, and the small path-mapping helpers that locate
// a published artifact triple or installed record on disk.
package model

import (
	"encoding/json"
	"path/filepath"
)

// SoftwareKind tags which colocated binary an operation concerns.
type SoftwareKind int

const (
	SoftwareManager SoftwareKind = iota
	SoftwareBackend
)

func (k SoftwareKind) String() string {
	switch k {
	case SoftwareManager:
		return "manager"
	case SoftwareBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// ParseSoftwareKind maps the external query-parameter spelling to a Kind.
func ParseSoftwareKind(s string) (SoftwareKind, bool) {
	switch s {
	case "manager":
		return SoftwareManager, true
	case "backend":
		return SoftwareBackend, true
	default:
		return 0, false
	}
}

// RepoName is the fixed git repository name associated with kind.
func (k SoftwareKind) RepoName() string {
	switch k {
	case SoftwareManager:
		return "app-manager"
	case SoftwareBackend:
		return "app-backend"
	default:
		return ""
	}
}

// BinaryName is the fixed built-binary name associated with kind.
func (k SoftwareKind) BinaryName() string {
	switch k {
	case SoftwareManager:
		return "app-manager"
	case SoftwareBackend:
		return "app-backend"
	default:
		return ""
	}
}

// BuildInfo uniquely identifies a built artifact. Two instances are equal
// iff all four fields match byte-for-byte. The zero value (all fields
// empty) is the defined "no prior record" sentinel.
type BuildInfo struct {
	CommitSHA string `json:"commit_sha"`
	Name      string `json:"name"`
	Timestamp string `json:"timestamp"`
	BuildInfo string `json:"build_info"`
}

// IsZero reports whether bi is the "no prior record" sentinel.
func (bi BuildInfo) IsZero() bool {
	return bi == BuildInfo{}
}

// Equal reports field-for-field equality.
func (bi BuildInfo) Equal(other BuildInfo) bool {
	return bi == other
}

// Encode renders bi as pretty-printed JSON with a stable field-name schema.
func (bi BuildInfo) Encode() ([]byte, error) {
	return json.MarshalIndent(bi, "", "  ")
}

// DecodeBuildInfo parses JSON produced by Encode. An empty/missing file is
// the caller's concern (callers typically substitute BuildInfo{} on
// os.IsNotExist), not this function's.
func DecodeBuildInfo(data []byte) (BuildInfo, error) {
	var bi BuildInfo
	if err := json.Unmarshal(data, &bi); err != nil {
		return BuildInfo{}, err
	}
	return bi, nil
}

// LatestPaths describes the published artifact triple for kind under the
// build node's latest/ publish slot.
type LatestPaths struct {
	Binary    string
	Encrypted string
	Info      string
}

// Latest returns the artifact triple paths for kind under latestDir.
func Latest(latestDir string, kind SoftwareKind) LatestPaths {
	name := kind.BinaryName()
	return LatestPaths{
		Binary:    filepath.Join(latestDir, name),
		Encrypted: filepath.Join(latestDir, name+".gpg"),
		Info:      filepath.Join(latestDir, name+".json"),
	}
}

// HistoryDir returns the archive directory for a build of kind stamped at
// timestamp: history/<name>-<ts>/.
func HistoryDir(historyRoot string, kind SoftwareKind, timestamp string) string {
	return filepath.Join(historyRoot, kind.BinaryName()+"-"+timestamp)
}

// UpdatePaths describes every file the update pipeline reads or writes for
// kind under the update staging directory.
type UpdatePaths struct {
	Decrypted     string
	Encrypted     string
	Info          string
	Installed     string
	InstalledOld  string
}

// Update returns the UpdatePaths for kind under updateDir.
func Update(updateDir string, kind SoftwareKind) UpdatePaths {
	name := kind.BinaryName()
	return UpdatePaths{
		Decrypted:    filepath.Join(updateDir, name),
		Encrypted:    filepath.Join(updateDir, name+".gpg"),
		Info:         filepath.Join(updateDir, name+".json"),
		Installed:    filepath.Join(updateDir, name+".json.installed"),
		InstalledOld: filepath.Join(updateDir, name+".json.installed.old"),
	}
}
