package student

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/distil/internal/config"
	"github.com/hyperengineering/distil/internal/embedding"
)

const (
	// ManifestFile names the checkpoint manifest inside a checkpoint directory.
	ManifestFile = "distil.yaml"
	// WeightsFile names the serialized head inside a checkpoint directory.
	WeightsFile = "head.bin"

	manifestVersion = 1
)

// ErrNoCheckpoint is returned when dir holds no checkpoint manifest.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Manifest describes a saved student.
type Manifest struct {
	Version   int                  `yaml:"version"`
	RunID     string               `yaml:"run_id,omitempty"`
	Base      config.EncoderConfig `yaml:"base"`
	Teacher   string               `yaml:"teacher"`
	InputDim  int                  `yaml:"input_dim"`
	OutputDim int                  `yaml:"output_dim"`
	Epoch     int                  `yaml:"epoch"`
	Step      int                  `yaml:"step"`
	Score     *float64             `yaml:"score,omitempty"`
	SavedAt   time.Time            `yaml:"saved_at"`
}

// Save writes the head and manifest of m into dir, replacing any
// checkpoint already there.
func Save(dir string, m *Model, manifest Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	manifest.Version = manifestVersion
	manifest.InputDim = m.head.In()
	manifest.OutputDim = m.head.Out()
	if manifest.SavedAt.IsZero() {
		manifest.SavedAt = time.Now().UTC()
	}

	if err := writeAtomic(filepath.Join(dir, WeightsFile), func(w *bufio.Writer) error {
		if _, err := m.head.W.MarshalBinaryTo(w); err != nil {
			return fmt.Errorf("encode weights: %w", err)
		}
		if _, err := m.head.B.MarshalBinaryTo(w); err != nil {
			return fmt.Errorf("encode bias: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return writeAtomic(filepath.Join(dir, ManifestFile), func(w *bufio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (Manifest, error) {
	var manifest Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return manifest, fmt.Errorf("%s: %w", dir, ErrNoCheckpoint)
		}
		return manifest, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return manifest, fmt.Errorf("unsupported checkpoint version %d", manifest.Version)
	}
	return manifest, nil
}

// ReadHead loads the head weights from dir.
func ReadHead(dir string) (*Head, error) {
	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var w mat.Dense
	if _, err := w.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	var b mat.VecDense
	if _, err := b.UnmarshalBinaryFrom(r); err != nil {
		return nil, fmt.Errorf("decode bias: %w", err)
	}
	if rows, _ := w.Dims(); rows != b.Len() {
		return nil, fmt.Errorf("weights have %d rows, bias has %d: %w", rows, b.Len(), ErrShape)
	}
	return &Head{W: &w, B: &b}, nil
}

// Load restores a student from dir. newBase builds the base encoder
// described by the manifest.
func Load(dir string, newBase func(config.EncoderConfig) (embedding.Embedder, error)) (*Model, Manifest, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, manifest, err
	}
	head, err := ReadHead(dir)
	if err != nil {
		return nil, manifest, err
	}
	if head.In() != manifest.InputDim || head.Out() != manifest.OutputDim {
		return nil, manifest, fmt.Errorf("head is %dx%d, manifest says %dx%d: %w",
			head.Out(), head.In(), manifest.OutputDim, manifest.InputDim, ErrShape)
	}
	base, err := newBase(manifest.Base)
	if err != nil {
		return nil, manifest, fmt.Errorf("build base encoder: %w", err)
	}
	return New(base, head), manifest, nil
}

// writeAtomic writes path through a temporary sibling and renames it into
// place, so readers never see a partial file.
func writeAtomic(path string, fill func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := fill(w); err != nil {
		tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(path), err)
	}
	return nil
}
