package embedding

import (
	"fmt"
	"sync"

	internal "github.com/ZanzyTHEbar/subword-probe/probe"
	"github.com/ZanzyTHEbar/subword-probe/probe/embedding/tokenizer"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenizerFactory builds the subword tokenizer for a model name.
type TokenizerFactory func(model string) (tokenizer.Subword, error)

// EncoderFactory builds the encoder for a model name.
type EncoderFactory func(model string, randomize bool) (Encoder, error)

type encoderKey struct {
	model     string
	randomize bool
}

// Registry memoizes tokenizer and encoder handles for one run. Handles are
// created lazily on first request and shared by every dataset and model
// constructed with the same registry.
type Registry struct {
	runID        uuid.UUID
	log          zerolog.Logger
	newTokenizer TokenizerFactory
	newEncoder   EncoderFactory

	mu         sync.Mutex
	tokenizers map[string]tokenizer.Subword
	encoders   map[encoderKey]Encoder
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

func WithTokenizerFactory(f TokenizerFactory) RegistryOption {
	return func(r *Registry) { r.newTokenizer = f }
}

func WithEncoderFactory(f EncoderFactory) RegistryOption {
	return func(r *Registry) { r.newEncoder = f }
}

func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry creates a registry with a fresh run id. Without factories it
// resolves tokenizers through DefaultTokenizerFactory and encoders through a
// hash encoder of the default shape.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		runID:      uuid.New(),
		log:        internal.GetLogger(),
		tokenizers: make(map[string]tokenizer.Subword),
		encoders:   make(map[encoderKey]Encoder),
	}
	r.newTokenizer = DefaultTokenizerFactory("", true)
	r.newEncoder = SettingsEncoderFactory(Settings{Provider: "hash"})
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With().Str("run_id", r.runID.String()).Logger()
	return r
}

func (r *Registry) RunID() string { return r.runID.String() }

// Logger returns the run-scoped logger.
func (r *Registry) Logger() zerolog.Logger { return r.log }

// Tokenizer returns the memoized tokenizer for model.
func (r *Registry) Tokenizer(model string) (tokenizer.Subword, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokenizers[model]; ok {
		return t, nil
	}
	t, err := r.newTokenizer(model)
	if err != nil {
		return nil, fmt.Errorf("tokenizer for %s: %w", model, err)
	}
	r.tokenizers[model] = t
	r.log.Info().Str("model", model).Int("vocab_size", len(t.Vocab())).Msg("tokenizer loaded")
	return t, nil
}

// Encoder returns the memoized encoder for model and weight mode.
func (r *Registry) Encoder(model string, randomize bool) (Encoder, error) {
	key := encoderKey{model: model, randomize: randomize}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.encoders[key]; ok {
		return e, nil
	}
	e, err := r.newEncoder(model, randomize)
	if err != nil {
		return nil, fmt.Errorf("encoder for %s: %w", model, err)
	}
	r.encoders[key] = e
	r.log.Info().
		Str("model", model).
		Bool("random_weights", randomize).
		Int("hidden_size", e.HiddenSize()).
		Int("layers", e.NumLayers()).
		Msg("encoder loaded")
	return e, nil
}

// DefaultTokenizerFactory resolves "chars" to a character tokenizer and
// anything else to a WordPiece vocabulary at vocabPath (or at the model name
// when vocabPath is empty), preferring sugarme and falling back to the
// radix-tree WordPiece.
func DefaultTokenizerFactory(vocabPath string, lowercase bool) TokenizerFactory {
	return func(model string) (tokenizer.Subword, error) {
		if model == "chars" {
			return tokenizer.NewChars(tokenizer.DefaultAlphabet), nil
		}
		path := vocabPath
		if path == "" {
			path = model
		}
		swp, err := tokenizer.NewSugarWordPiece(path, lowercase)
		if err == nil {
			return swp, nil
		}
		wp, err2 := tokenizer.LoadWordPieceFromVocab(path, lowercase)
		if err2 != nil {
			return nil, fmt.Errorf("failed to initialize tokenizer: %v (fallback: %w)", err, err2)
		}
		return wp, nil
	}
}

// SettingsEncoderFactory builds every encoder from the same settings.
func SettingsEncoderFactory(s Settings) EncoderFactory {
	return func(model string, randomize bool) (Encoder, error) {
		return NewEncoder(s, randomize)
	}
}
