package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/23skdu/longbow-distill/internal/logger"
	"github.com/23skdu/longbow-distill/internal/metrics"
)

// Store persists snapshot weights and hands back the handle stored in Record.
type Store interface {
	Save(ctx context.Context, model string, epoch int, acc float64, tensors []Tensor) (Record, error)
	Load(ctx context.Context, handle string) ([]Tensor, error)
}

// Mirror copies a finished weight file somewhere else, typically object storage.
type Mirror interface {
	Upload(ctx context.Context, localPath, name string) (string, error)
}

// LocalStore keeps weight files under Dir, one file per epoch. The handle of a
// record is the file path.
type LocalStore struct {
	Dir    string
	mirror Mirror
}

var _ Store = (*LocalStore)(nil)

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Dir: dir}
}

// WithMirror uploads every saved file through m after it lands on disk.
func (s *LocalStore) WithMirror(m Mirror) *LocalStore {
	s.mirror = m
	return s
}

func (s *LocalStore) Save(ctx context.Context, model string, epoch int, acc float64, tensors []Tensor) (Record, error) {
	start := time.Now()
	name := Name(model, epoch, acc)
	path := filepath.Join(s.Dir, name)

	meta := map[string]string{
		MetaModel:    model,
		MetaEpoch:    strconv.Itoa(epoch),
		MetaAccuracy: strconv.FormatFloat(acc, 'g', -1, 64),
	}
	if err := WriteFile(path, tensors, meta); err != nil {
		return Record{}, err
	}

	if s.mirror != nil {
		uri, err := s.mirror.Upload(ctx, path, name)
		if err != nil {
			return Record{}, fmt.Errorf("checkpoint: mirror %s: %w", name, err)
		}
		logger.Log.Debug("Checkpoint mirrored", "name", name, "uri", uri)
	}

	metrics.RecordCheckpoint(time.Since(start))
	logger.Log.Info("Checkpoint saved", "epoch", epoch, "acc", acc, "path", path)
	return Record{Epoch: epoch, Accuracy: acc, Handle: path}, nil
}

func (s *LocalStore) Load(_ context.Context, handle string) ([]Tensor, error) {
	tensors, _, err := ReadFile(handle)
	return tensors, err
}

// Scan rebuilds records for model from the file names under Dir. Files that
// do not parse as checkpoint names are skipped.
func (s *LocalStore) Scan(model string) ([]Record, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checkpoint: scan %s: %w", s.Dir, err)
	}

	var records []Record
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, epoch, acc, err := ParseName(e.Name())
		if err != nil || m != model {
			continue
		}
		records = append(records, Record{Epoch: epoch, Accuracy: acc, Handle: filepath.Join(s.Dir, e.Name())})
	}
	SortByEpoch(records)
	return records, nil
}
