package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meshnet/internal/model"
)

const (
	schemaVersion = 1
	codecVersion  = 1

	filePrefix = "snapshot_epoch_"
	fileSuffix = ".json"
)

var (
	ErrNoSnapshots   = errors.New("no snapshot files found")
	ErrVersion       = errors.New("unsupported snapshot version")
	ErrUnknownChoice = errors.New("Unknown snapshot choice method")
)

// FileName returns the canonical snapshot name for an epoch.
func FileName(epoch int) string {
	return fmt.Sprintf("%s%d%s", filePrefix, epoch, fileSuffix)
}

// EpochOf parses the epoch out of a snapshot file name; ok is false for
// files that do not follow the naming scheme.
func EpochOf(name string) (int, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, filePrefix) || !strings.HasSuffix(base, fileSuffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Save writes the checkpoint under dir, staging through a temp file so a
// crash never leaves a truncated snapshot behind.
func Save(dir string, cp *model.Checkpoint) (string, error) {
	cp.SchemaVersion = schemaVersion
	cp.CodecVersion = codecVersion
	data, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(cp.Epoch))
	tmp, err := os.CreateTemp(dir, filePrefix+"*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

// Load reads one snapshot file.
func Load(path string) (*model.Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes a snapshot from an arbitrary stream, used by
// inference on in-memory models.
func LoadFromReader(r io.Reader) (*model.Checkpoint, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if cp.SchemaVersion > schemaVersion || cp.CodecVersion > codecVersion {
		return nil, fmt.Errorf("%w: schema %d codec %d", ErrVersion, cp.SchemaVersion, cp.CodecVersion)
	}
	return &cp, nil
}

// List returns the snapshot files of a run directory keyed by epoch.
func List(dir string) (map[int]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	files := make(map[int]string, len(matches))
	for _, m := range matches {
		if epoch, ok := EpochOf(m); ok {
			files[epoch] = m
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoSnapshots, dir)
	}
	return files, nil
}
