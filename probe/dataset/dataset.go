// Package dataset turns annotated probing files into indexed, batched
// inputs for subword encoders and maps classifier outputs back to labels.
//
// Loading runs three phases: raw sample extraction (one record per line or
// blank-line-delimited block, with word-to-subword alignment), indexing
// (vocabulary lookups and token-start bookkeeping) and lazy batching.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding/tokenizer"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding/wordvec"
	"github.com/ZanzyTHEbar/subword-probe/probe/fields"
	"github.com/ZanzyTHEbar/subword-probe/probe/vocab"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"
)

// ErrFormat reports a malformed input line or block.
var ErrFormat = errors.New("malformed input")

// Options configures loading. Zero values select the package defaults.
type Options struct {
	Kind Kind

	// ExperimentDir holds persisted vocabularies named vocab_<field>.
	ExperimentDir string
	// VocabPaths overrides the vocabulary file of individual fields.
	VocabPaths map[string]string
	// ShareVocabsWith reuses the vocabularies of another dataset, typically
	// the training split.
	ShareVocabsWith *Dataset

	// ModelName selects the tokenizer of subword variants.
	ModelName string
	// EmbeddingPath is the word-vector file of the embedding-only variant.
	EmbeddingPath string

	MaxSamples     int
	ProbeFirstChar bool
	// MaskPositions are word offsets relative to the target whose words are
	// replaced by the tokenizer's mask symbol.
	MaskPositions  []int
	BagOfWords     bool
	ShuffleBatches bool
	MaxSubwordLen  int
	Seed           uint64

	Logger *zerolog.Logger
}

// Dataset owns the raw samples of one input file and their materialized
// columns.
type Dataset struct {
	opts   Options
	schema *fields.Schema
	log    zerolog.Logger
	rng    *rand.Rand

	vocabs  map[string]*vocab.Vocab
	created map[string]bool

	tok      tokenizer.Subword
	maskSym  string
	maskSet  map[int]bool
	wordVecs *wordvec.Table

	raw     []*fields.Record
	mtx     *fields.Record
	dropped *roaring.Bitmap
	labeled *roaring.Bitmap
}

// Open loads the file at path.
func Open(path string, opts Options, reg *embedding.Registry) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()
	d, err := FromReader(f, opts, reg)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", path, err)
	}
	return d, nil
}

// FromReader extracts, indexes and returns a dataset read from r. reg
// supplies the tokenizer of subword variants and may be nil otherwise.
func FromReader(r io.Reader, opts Options, reg *embedding.Registry) (*Dataset, error) {
	schema := SchemaFor(opts.Kind)
	if schema == nil {
		return nil, fmt.Errorf("unknown dataset variant %d", int(opts.Kind))
	}
	if opts.MaxSubwordLen <= 0 {
		opts.MaxSubwordLen = internal.MaxSubwordLen
	}
	d := &Dataset{
		opts:    opts,
		schema:  schema,
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5deece66d)),
		vocabs:  make(map[string]*vocab.Vocab),
		created: make(map[string]bool),
		maskSet: make(map[int]bool, len(opts.MaskPositions)),
		dropped: roaring.New(),
		labeled: roaring.New(),
	}
	if opts.Logger != nil {
		d.log = *opts.Logger
	} else if reg != nil {
		d.log = reg.Logger()
	} else {
		d.log = internal.GetLogger()
	}
	d.log = d.log.With().Str("dataset", opts.Kind.String()).Logger()
	for _, p := range opts.MaskPositions {
		d.maskSet[p] = true
	}

	if opts.Kind.Subword() {
		if reg == nil {
			return nil, fmt.Errorf("%s needs a tokenizer registry", opts.Kind)
		}
		tok, err := reg.Tokenizer(opts.ModelName)
		if err != nil {
			return nil, err
		}
		d.tok = tok
		d.maskSym = tok.Specials().Mask
	}
	if err := d.loadOrCreateVocabs(); err != nil {
		return nil, err
	}
	if err := d.load(r); err != nil {
		return nil, err
	}
	if err := d.Index(); err != nil {
		return nil, err
	}
	d.log.Info().
		Int("samples", len(d.raw)).
		Uint64("dropped", d.dropped.GetCardinality()).
		Bool("unlabeled", d.Unlabeled()).
		Msg("dataset loaded")
	return d, nil
}

func (d *Dataset) loadOrCreateVocabs() error {
	if shared := d.opts.ShareVocabsWith; shared != nil {
		for f, v := range shared.vocabs {
			d.vocabs[f] = v
		}
		return nil
	}
	for _, field := range d.schema.VocabFields() {
		if field == "tokens" && d.tok != nil {
			v, err := vocab.WrapSubword(d.tok.Vocab(), d.tok.Specials())
			if err != nil {
				return fmt.Errorf("wrap subword vocabulary: %w", err)
			}
			d.vocabs[field] = v
			continue
		}
		path := d.vocabPath(field)
		if path != "" {
			if _, err := os.Stat(path); err == nil {
				v, err := vocab.Load(path)
				if err != nil {
					return err
				}
				d.vocabs[field] = v
				continue
			}
		}
		d.vocabs[field] = vocab.New(d.schema.NeedsConstants(field))
		d.created[field] = true
	}
	return nil
}

func (d *Dataset) vocabPath(field string) string {
	if p, ok := d.opts.VocabPaths[field]; ok {
		return p
	}
	if d.opts.ExperimentDir == "" {
		return ""
	}
	return filepath.Join(d.opts.ExperimentDir, "vocab_"+field)
}

// SaveVocabs persists every vocabulary this dataset created.
func (d *Dataset) SaveVocabs() error {
	for _, field := range d.schema.VocabFields() {
		if !d.created[field] {
			continue
		}
		path := d.vocabPath(field)
		if path == "" {
			return fmt.Errorf("no vocabulary path for %s: experiment dir not set", field)
		}
		if err := d.vocabs[field].Save(path); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dataset) Kind() Kind                   { return d.opts.Kind }
func (d *Dataset) Schema() *fields.Schema       { return d.schema }
func (d *Dataset) Len() int                     { return len(d.raw) }
func (d *Dataset) Raw() []*fields.Record        { return d.raw }
func (d *Dataset) Materialized() *fields.Record { return d.mtx }

// Vocab returns the vocabulary of a field, by canonical name or alias.
func (d *Dataset) Vocab(field string) (*vocab.Vocab, error) {
	canonical, err := d.schema.Resolve(field)
	if err != nil {
		return nil, err
	}
	v, ok := d.vocabs[canonical]
	if !ok {
		return nil, fmt.Errorf("field %s has no vocabulary", canonical)
	}
	return v, nil
}

// LabelVocab returns the vocabulary behind the "tgt" alias.
func (d *Dataset) LabelVocab() *vocab.Vocab {
	v, _ := d.Vocab("tgt")
	return v
}

// Unlabeled reports whether no sample carries a gold label.
func (d *Dataset) Unlabeled() bool { return d.labeled.IsEmpty() }

// Dropped returns the ordinals of input samples discarded for exceeding the
// subword length limit.
func (d *Dataset) Dropped() []uint32 { return d.dropped.ToArray() }

// DroppedCount returns how many input samples were discarded.
func (d *Dataset) DroppedCount() int { return int(d.dropped.GetCardinality()) }

// EmbeddingSize is the word-vector width of the embedding-only variant.
func (d *Dataset) EmbeddingSize() int {
	if d.wordVecs == nil {
		return 0
	}
	return d.wordVecs.Dim()
}
