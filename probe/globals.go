package internal

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

var (
	// DefaultAppName is used for config lookup paths and log fields
	DefaultAppName       = "probe"
	DefaultConfigPath    = filepath.Join(getHomeDir(), ".config", DefaultAppName)
	DefaultExperimentDir = filepath.Join(DefaultConfigPath, "experiments")
	DefaultConfigFile    = filepath.Join(DefaultConfigPath, "config.yaml")

	// Default model settings
	DefaultModelName      = "bert-base-multilingual-cased"
	DefaultLayerPooling   = "all"
	DefaultSubwordPooling = "last"
	DefaultBatchSize      = 128
	DefaultCacheSize      = 1024
)

const (
	// TokenStartPad pads token-start rows in a batch. It is larger than any
	// real subword offset so pooling code can recognise padding by value.
	TokenStartPad = 1000

	// MaxSubwordLen is the subword count above which a tagging sample is dropped.
	MaxSubwordLen = 500
)

// Reserved symbols injected at the front of vocabularies that need constants,
// in this fixed order.
const (
	StartSymbol   = "SOS"
	EndSymbol     = "EOS"
	PadSymbol     = "PAD"
	UnknownSymbol = "UNK"
)

// Constants lists the reserved symbols in id order.
var Constants = []string{StartSymbol, EndSymbol, PadSymbol, UnknownSymbol}

func getHomeDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		cwd, cwdErr := os.Getwd()
		if cwdErr != nil {
			log.Printf("Unable to get home or working directory, using /tmp: %v", err)
			return "/tmp"
		}
		log.Printf("Unable to get home directory, using current working directory: %v", err)
		return cwd
	}
	return homeDir
}

// GetLogger returns a properly configured zerolog logger instance
func GetLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).With().Timestamp().Str("app", DefaultAppName).Logger()
}
