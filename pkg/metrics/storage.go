/*
Copyright 2025 The OpenStack CI Runner Manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics owns the per-runner scratch directories holding metric
// files pulled off runner VMs, and turns their contents into events.
// Corrupt storages are archived into a quarantine directory for human
// inspection instead of being parsed.
package metrics

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/openstack-ci/runner-manager/pkg/params"
	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

const (
	// MaxFileSize is the per-file byte cap. Anything larger is treated as
	// corrupt: a well-behaved runner writes a few hundred bytes at most, so
	// an oversized file means a malicious or broken runner.
	MaxFileSize = 1024

	// PreJobFile is written by the runner right before it takes a job.
	PreJobFile = "pre-job-metrics.json"
	// PostJobFile is written by the runner after the job finished.
	PostJobFile = "post-job-metrics.json"
	// InstalledFile carries the epoch second the runner finished installing.
	InstalledFile = "runner-installed.timestamp"
	// installStartFile is recorded locally when the storage is created,
	// which coincides with the launch attempt.
	installStartFile = "install-start.timestamp"
)

// Storage manages one directory per InstanceID under a base directory.
type Storage struct {
	fs            afero.Fs
	baseDir       string
	quarantineDir string
	now           func() time.Time
}

// NewStorage creates the base and quarantine directories if needed.
func NewStorage(fs afero.Fs, baseDir, quarantineDir string) (*Storage, error) {
	for _, dir := range []string{baseDir, quarantineDir} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating metrics directory %q", dir)
		}
	}
	return &Storage{fs: fs, baseDir: baseDir, quarantineDir: quarantineDir, now: time.Now}, nil
}

func (s *Storage) dir(id params.InstanceID) string {
	return filepath.Join(s.baseDir, id.Name())
}

// Create allocates the storage for a new InstanceID and records the install
// start timestamp. It fails if the directory already exists: an existing
// directory means the InstanceID is being reused before cleanup ran.
func (s *Storage) Create(id params.InstanceID) error {
	dir := s.dir(id)
	if exists, err := afero.DirExists(s.fs, dir); err != nil {
		return errors.Wrapf(err, "checking storage for %s", id)
	} else if exists {
		return errors.Errorf("metric storage for %s already exists", id)
	}
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating storage for %s", id)
	}
	start := strconv.FormatInt(s.now().Unix(), 10)
	if err := afero.WriteFile(s.fs, filepath.Join(dir, installStartFile), []byte(start), 0o644); err != nil {
		return errors.Wrapf(err, "recording install start for %s", id)
	}
	return nil
}

// List returns the names of all existing storages.
func (s *Storage) List() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "listing metric storages")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Exists reports whether a storage was created for the InstanceID.
func (s *Storage) Exists(id params.InstanceID) (bool, error) {
	return afero.DirExists(s.fs, s.dir(id))
}

// WriteFile stores one metric file pulled off the VM.
func (s *Storage) WriteFile(id params.InstanceID, name string, data []byte) error {
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir(id), name), data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s for %s", name, id)
	}
	return nil
}

// ReadFile returns the contents of one metric file, enforcing MaxFileSize.
// A missing file returns os.ErrNotExist; an oversized file returns a
// CorruptMetricError.
func (s *Storage) ReadFile(id params.InstanceID, name string) ([]byte, error) {
	path := filepath.Join(s.dir(id), name)
	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, &rmerrors.CorruptMetricError{
			Instance: id.Name(),
			Reason:   fmt.Sprintf("%s is %d bytes, cap is %d", name, info.Size(), MaxFileSize),
		}
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s for %s", name, id)
	}
	return data, nil
}

// Delete removes the storage for an InstanceID. Deleting a storage that
// does not exist is not an error.
func (s *Storage) Delete(id params.InstanceID) error {
	if err := s.fs.RemoveAll(s.dir(id)); err != nil {
		return errors.Wrapf(err, "deleting storage for %s", id)
	}
	return nil
}

// MoveToQuarantine archives the storage unchanged into a tarball under the
// quarantine directory, then deletes the live directory.
func (s *Storage) MoveToQuarantine(id params.InstanceID) error {
	dir := s.dir(id)
	archive := filepath.Join(s.quarantineDir, fmt.Sprintf("%s-%d.tar.gz", id.Name(), s.now().Unix()))

	out, err := s.fs.Create(archive)
	if err != nil {
		return errors.Wrapf(err, "creating quarantine archive for %s", id)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "listing storage for %s", id)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(dir, entry.Name()))
		if err != nil {
			return errors.Wrapf(err, "archiving %s for %s", entry.Name(), id)
		}
		hdr := &tar.Header{
			Name:    filepath.Join(id.Name(), entry.Name()),
			Mode:    0o644,
			Size:    int64(len(data)),
			ModTime: entry.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrap(err, "writing tar header")
		}
		if _, err := tw.Write(data); err != nil {
			return errors.Wrap(err, "writing tar entry")
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "closing tar writer")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "closing gzip writer")
	}

	return s.Delete(id)
}

// InstallStart returns the epoch second the storage was created.
func (s *Storage) InstallStart(id params.InstanceID) (int64, error) {
	return s.readTimestamp(id, installStartFile)
}

// InstallEnd returns the epoch second the runner finished installing, read
// from the timestamp file pulled off the VM.
func (s *Storage) InstallEnd(id params.InstanceID) (int64, error) {
	return s.readTimestamp(id, InstalledFile)
}

func (s *Storage) readTimestamp(id params.InstanceID, name string) (int64, error) {
	data, err := s.ReadFile(id, name)
	if err != nil {
		return 0, err
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || ts < 0 {
		return 0, &rmerrors.CorruptMetricError{
			Instance: id.Name(),
			Reason:   fmt.Sprintf("%s does not hold a non-negative epoch second", name),
		}
	}
	return ts, nil
}

// IsNotExist reports whether err is a missing metric file.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
