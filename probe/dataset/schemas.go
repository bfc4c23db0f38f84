package dataset

import (
	"fmt"
	"strings"

	"github.com/ZanzyTHEbar/subword-probe/probe/fields"
)

// Kind selects a dataset variant.
type Kind int

const (
	WordOnly Kind = iota
	EmbeddingOnly
	MidSentence
	TokenInSequence
	SequenceTagging
)

var kindNames = map[Kind]string{
	WordOnly:        "word_only",
	EmbeddingOnly:   "embedding_only",
	MidSentence:     "mid_sentence",
	TokenInSequence: "token_in_sequence",
	SequenceTagging: "sequence_tagging",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts the variant names used in configuration files.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown dataset variant %q", s)
}

// Subword reports whether the variant aligns words to tokenizer subwords.
func (k Kind) Subword() bool { return k == TokenInSequence || k == SequenceTagging }

var (
	wordOnlyFields = fields.MustSchema(fields.Spec{
		Name:   "WordOnlyFields",
		Fields: []string{"sentence", "target_word", "target_word_len", "target_idx", "label"},
		Aliases: map[string]string{
			"input":     "target_word",
			"input_len": "target_word_len",
			"src_len":   "target_word_len",
			"tgt":       "label",
		},
		NeedsVocab:     []string{"target_word", "label"},
		NeedsPadding:   []string{"target_word"},
		NeedsConstants: []string{"target_word"},
	})

	embeddingOnlyFields = fields.MustSchema(fields.Spec{
		Name:   "EmbeddingOnlyFields",
		Fields: []string{"sentence", "target_word", "target_word_idx", "label"},
		Aliases: map[string]string{
			"tgt": "label",
			"src": "target_word",
		},
		NeedsVocab: []string{"label"},
	})

	midSequenceFields = fields.MustSchema(fields.Spec{
		Name: "MidSequenceProberFields",
		Fields: []string{
			"raw_sentence", "raw_target", "raw_idx",
			"input", "input_len", "target_idx", "label", "target_ids",
		},
		Aliases:        map[string]string{"tgt": "label", "src_len": "input_len"},
		NeedsVocab:     []string{"input", "label", "target_ids"},
		NeedsPadding:   []string{"input"},
		NeedsConstants: []string{"input"},
	})

	// token_starts is padded by hand with TokenStartPad, not by vocabulary
	tokenInSequenceFields = fields.MustSchema(fields.Spec{
		Name: "TokenInSequenceProberFields",
		Fields: []string{
			"raw_sentence", "raw_target", "raw_idx",
			"tokens", "num_tokens", "target_idx", "label", "token_starts",
		},
		Aliases: map[string]string{
			"tgt":       "label",
			"src_len":   "num_tokens",
			"input_len": "num_tokens",
		},
		NeedsVocab:     []string{"tokens", "label"},
		NeedsPadding:   []string{"tokens"},
		NeedsConstants: []string{"tokens"},
	})

	sequenceTaggingFields = fields.MustSchema(fields.Spec{
		Name: "SequenceClassificationWithSubwordsDataFields",
		Fields: []string{
			"raw_sentence", "labels",
			"sentence_len", "tokens", "sentence_subword_len", "token_starts",
		},
		Aliases: map[string]string{
			"input":     "tokens",
			"input_len": "sentence_subword_len",
			"tgt":       "labels",
		},
		NeedsVocab:     []string{"tokens", "labels"},
		NeedsPadding:   []string{"tokens"},
		NeedsConstants: []string{"tokens"},
	})
)

// SchemaFor returns the field table of a variant.
func SchemaFor(k Kind) *fields.Schema {
	switch k {
	case WordOnly:
		return wordOnlyFields
	case EmbeddingOnly:
		return embeddingOnlyFields
	case MidSentence:
		return midSequenceFields
	case TokenInSequence:
		return tokenInSequenceFields
	case SequenceTagging:
		return sequenceTaggingFields
	}
	return nil
}
