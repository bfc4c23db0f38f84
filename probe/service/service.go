// Package service wires configuration, datasets and pooling models into a
// library-first API for running probes.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/ZanzyTHEbar/subword-probe/probe/config"
	"github.com/ZanzyTHEbar/subword-probe/probe/dataset"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding"
	"github.com/ZanzyTHEbar/subword-probe/probe/pooling"
	"github.com/ZanzyTHEbar/subword-probe/probe/results"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Model scores batches and computes their loss against gold labels.
type Model interface {
	Forward(ctx context.Context, b *dataset.Batch) (*mat.Dense, error)
	Loss(b *dataset.Batch, scores mat.Matrix) (float64, error)
}

// Service owns the handle registry of one run and, when configured, its
// results store.
type Service struct {
	cfg     *config.Config
	kind    dataset.Kind
	reg     *embedding.Registry
	results *results.Store
	log     zerolog.Logger
}

// NewService validates cfg and prepares the run's registry. Tokenizers and
// encoders are loaded on first use.
func NewService(cfg *config.Config, opts ...embedding.RegistryOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind, err := cfg.Kind()
	if err != nil {
		return nil, err
	}
	embedding.SetONNXExecutionProvider(cfg.Encoder.ExecutionProvider)
	embedding.SetONNXDeviceID(cfg.Encoder.DeviceID)

	settings := embedding.Settings{
		Provider:   cfg.Encoder.Provider,
		ModelPath:  cfg.Encoder.ModelPath,
		HiddenSize: cfg.Encoder.HiddenSize,
		NumLayers:  cfg.Encoder.NumLayers,
	}
	base := []embedding.RegistryOption{
		embedding.WithTokenizerFactory(embedding.DefaultTokenizerFactory(cfg.Encoder.VocabPath, cfg.Encoder.Lowercase)),
		embedding.WithEncoderFactory(embedding.SettingsEncoderFactory(settings)),
	}
	reg := embedding.NewRegistry(append(base, opts...)...)
	s := &Service{cfg: cfg, kind: kind, reg: reg, log: reg.Logger()}
	if cfg.Experiment.ResultsDB != "" {
		if s.results, err = results.Open(cfg.Experiment.ResultsDB); err != nil {
			return nil, err
		}
	}
	s.log.Info().
		Str("variant", kind.String()).
		Str("model", cfg.Model.ModelName).
		Str("experiment_dir", cfg.Experiment.Dir).
		Msg("probe service ready")
	return s, nil
}

func (s *Service) Registry() *embedding.Registry { return s.reg }

// Results returns the results store, or nil when recording is disabled.
func (s *Service) Results() *results.Store { return s.results }

// Close releases the results store.
func (s *Service) Close() error {
	if s.results == nil {
		return nil
	}
	return s.results.Close()
}

// DatasetOptions derives loading options from the configuration.
func (s *Service) DatasetOptions(share *dataset.Dataset) dataset.Options {
	log := s.log
	return dataset.Options{
		Kind:            s.kind,
		ExperimentDir:   s.cfg.Experiment.Dir,
		ShareVocabsWith: share,
		ModelName:       s.cfg.Model.ModelName,
		EmbeddingPath:   s.cfg.Data.Embedding,
		MaxSamples:      s.cfg.Experiment.MaxSamples,
		ProbeFirstChar:  s.cfg.Data.ProbeFirstChar,
		MaskPositions:   s.cfg.Data.MaskPositions,
		BagOfWords:      s.cfg.Data.BOW,
		ShuffleBatches:  s.cfg.Experiment.ShuffleBatches,
		MaxSubwordLen:   s.cfg.Data.MaxSubwordLen,
		Seed:            s.cfg.Experiment.Seed,
		Logger:          &log,
	}
}

// Load reads one split. Pass the training split as share when loading
// development or test data so that all splits use the same vocabularies.
func (s *Service) Load(path string, share *dataset.Dataset) (*dataset.Dataset, error) {
	return dataset.Open(path, s.DatasetOptions(share), s.reg)
}

// LoadSplits loads the configured train, dev and test files; missing
// entries are returned as nil. Vocabularies created from the training split
// are persisted to the experiment directory.
func (s *Service) LoadSplits() (train, dev, test *dataset.Dataset, err error) {
	if s.cfg.Data.TrainFile != "" {
		if train, err = s.Load(s.cfg.Data.TrainFile, nil); err != nil {
			return nil, nil, nil, err
		}
		if err = train.SaveVocabs(); err != nil {
			return nil, nil, nil, err
		}
	}
	if s.cfg.Data.DevFile != "" {
		if dev, err = s.Load(s.cfg.Data.DevFile, train); err != nil {
			return nil, nil, nil, err
		}
	}
	if s.cfg.Data.TestFile != "" {
		if test, err = s.Load(s.cfg.Data.TestFile, train); err != nil {
			return nil, nil, nil, err
		}
	}
	return train, dev, test, nil
}

// NewModel builds the model matching the dataset variant, with a linear head
// sized to the label vocabulary.
func (s *Service) NewModel(d *dataset.Dataset) (Model, error) {
	labels := d.LabelVocab()
	if labels == nil || labels.Len() == 0 {
		return nil, errors.New("dataset has no label vocabulary to size the classifier")
	}
	head := pooling.LinearHead(labels.Len(), s.cfg.Experiment.Seed)

	if d.Kind() == dataset.EmbeddingOnly {
		vp, err := pooling.NewVectorProber(d.EmbeddingSize(), head)
		if err != nil {
			return nil, err
		}
		return vp, nil
	}
	enc, err := s.reg.Encoder(s.cfg.Model.ModelName, s.cfg.Model.RandomizeEmbeddingWeights)
	if err != nil {
		return nil, err
	}
	log := s.log
	opts := pooling.Options{
		LayerPooling:   s.cfg.Model.LayerPooling,
		SubwordPooling: s.cfg.Model.SubwordPooling,
		ShiftTarget:    s.cfg.Model.ShiftTarget,
		LSTMSize:       s.cfg.Model.SubwordLSTMSize,
		MLPSize:        s.cfg.Model.SubwordMLPSize,
		CacheSize:      s.cfg.Model.CacheSize,
		Seed:           s.cfg.Experiment.Seed,
		Head:           head,
		Logger:         &log,
	}
	var m Model
	switch d.Kind() {
	case dataset.TokenInSequence, dataset.MidSentence:
		m, err = pooling.NewTargetProber(enc, opts)
	case dataset.SequenceTagging:
		m, err = pooling.NewSequenceTagger(enc, opts)
	default:
		return nil, fmt.Errorf("no pooling model for %s", d.Kind())
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Predict runs m over every batch of d and decodes the highest-scoring label
// onto each raw sample. Output rows are reassembled in sample order whatever
// order the batches arrive in.
func (s *Service) Predict(ctx context.Context, m Model, d *dataset.Dataset) error {
	batches, err := d.Batches(s.cfg.Experiment.BatchSize)
	if err != nil {
		return err
	}
	type chunk struct {
		offset int
		rows   [][]float64
	}
	var chunks []chunk
	for b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}
		scores, err := m.Forward(ctx, b)
		if err != nil {
			return err
		}
		r, _ := scores.Dims()
		rows := make([][]float64, r)
		for i := range r {
			rows[i] = mat.Row(nil, i, scores)
		}
		chunks = append(chunks, chunk{offset: b.Offset, rows: rows})
	}
	slices.SortFunc(chunks, func(a, b chunk) int { return a.offset - b.offset })
	var outputs [][]float64
	for _, c := range chunks {
		outputs = append(outputs, c.rows...)
	}
	return d.Decode(outputs)
}

// Evaluate returns the mean batch loss of m on a labeled dataset. The result
// is recorded under split when a results store is configured.
func (s *Service) Evaluate(ctx context.Context, m Model, d *dataset.Dataset, split string) (float64, error) {
	if d.Unlabeled() {
		return 0, errors.New("cannot evaluate unlabeled data")
	}
	batches, err := d.Batches(s.cfg.Experiment.BatchSize)
	if err != nil {
		return 0, err
	}
	total, n := 0.0, 0
	for b := range batches {
		scores, err := m.Forward(ctx, b)
		if err != nil {
			return 0, err
		}
		loss, err := m.Loss(b, scores)
		if err != nil {
			return 0, err
		}
		total += loss
		n++
	}
	if n == 0 {
		return 0, nil
	}
	loss := total / float64(n)
	s.log.Info().Str("split", split).Float64("loss", loss).Int("batches", n).Msg("evaluated")
	return loss, s.record(m, d, split, loss)
}

func (s *Service) record(m Model, d *dataset.Dataset, split string, loss float64) error {
	if s.results == nil {
		return nil
	}
	run := &results.Run{
		RunID:          s.reg.RunID(),
		Variant:        d.Kind().String(),
		ModelName:      s.cfg.Model.ModelName,
		LayerPooling:   s.cfg.Model.LayerPooling,
		SubwordPooling: s.cfg.Model.SubwordPooling,
		Split:          split,
		Samples:        d.Len(),
		Loss:           loss,
	}
	if c, ok := m.(interface{ CacheStats() pooling.CacheStats }); ok {
		st := c.CacheStats()
		run.CacheHits, run.CacheMisses = int(st.Hits), int(st.Misses)
	}
	return s.results.Add(run)
}

// WriteOutput writes d with its current labels to path.
func (s *Service) WriteOutput(d *dataset.Dataset, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output %s: %w", path, err)
	}
	if err := d.WriteRaw(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
