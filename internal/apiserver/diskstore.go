package apiserver

import (
	"os"

	"github.com/jutuon/app-manager/internal/apperr"
	"github.com/jutuon/app-manager/internal/model"
)

// DiskStore reads BuildInfo/binary artifacts straight off the on-disk
// layout shared by the software_info and latest_software endpoints.
type DiskStore struct {
	UpdateDir string
	LatestDir string
}

func (d DiskStore) ReadInstalled(kind model.SoftwareKind) (current, previous model.BuildInfo, err error) {
	paths := model.Update(d.UpdateDir, kind)
	current, err = readBuildInfoOrZero(paths.Installed)
	if err != nil {
		return model.BuildInfo{}, model.BuildInfo{}, err
	}
	previous, err = readBuildInfoOrZero(paths.InstalledOld)
	if err != nil {
		return model.BuildInfo{}, model.BuildInfo{}, err
	}
	return current, previous, nil
}

func (d DiskStore) ReadLatestInfo(kind model.SoftwareKind) (model.BuildInfo, error) {
	paths := model.Latest(d.LatestDir, kind)
	return readBuildInfoOrZero(paths.Info)
}

func (d DiskStore) ReadLatestBinary(kind model.SoftwareKind) ([]byte, error) {
	paths := model.Latest(d.LatestDir, kind)
	data, err := os.ReadFile(paths.Encrypted)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindFilesystemIO, "reading latest encrypted binary")
	}
	return data, nil
}

func readBuildInfoOrZero(path string) (model.BuildInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.BuildInfo{}, nil
		}
		return model.BuildInfo{}, apperr.Wrap(err, apperr.KindFilesystemIO, "reading build info")
	}
	return model.DecodeBuildInfo(data)
}
