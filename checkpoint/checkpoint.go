// Package checkpoint persists model weights and the training step as
// gob files, one file per saved step.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/infosave2007/graphsum/model"
)

// State is everything needed to resume training or run inference.
// EvalLoss is only set on best-model checkpoints written by the
// evaluator.
type State struct {
	Step     int64
	Params   map[string]model.ParamValue
	SavedAt  time.Time
	EvalLoss float64
}

// ErrNoCheckpoint reports an empty checkpoint directory.
var ErrNoCheckpoint = errors.New("checkpoint: none found")

const pattern = "model-*.ckpt"

// Filename returns the canonical file name for a step's checkpoint.
// Zero padding keeps lexicographic and numeric order in agreement.
func Filename(step int64) string {
	return fmt.Sprintf("model-%08d.ckpt", step)
}

// Save writes the state under dir with the canonical name for its
// step, creating the directory if needed.
func Save(dir string, st *State) (string, error) {
	path := filepath.Join(dir, Filename(st.Step))
	if err := Write(path, st); err != nil {
		return "", err
	}
	return path, nil
}

// Write stores the state at an exact path. The file goes to a temporary
// name first and is renamed into place, so a crash mid-write never
// leaves a torn checkpoint behind.
func Write(path string, st *State) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "checkpoint: create dir")
	}
	tmp, err := os.CreateTemp(dir, ".ckpt-*")
	if err != nil {
		return errors.Wrap(err, "checkpoint: temp file")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(st); err != nil {
		tmp.Close()
		return errors.Wrap(err, "checkpoint: encode")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "checkpoint: close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "checkpoint: rename")
	}
	return nil
}

// Load reads one checkpoint file.
func Load(path string) (*State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "checkpoint: open")
	}
	defer f.Close()

	st := new(State)
	if err := gob.NewDecoder(f).Decode(st); err != nil {
		return nil, errors.Wrapf(err, "checkpoint: decode %s", path)
	}
	return st, nil
}

// Latest returns the newest checkpoint in dir by step number, or
// ErrNoCheckpoint when the directory holds none.
func Latest(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", errors.Wrap(err, "checkpoint: scan")
	}
	if len(matches) == 0 {
		return "", ErrNoCheckpoint
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}
