package store

import (
	"github.com/arnavkj/skiplitekv/blockfile"
	"github.com/arnavkj/skiplitekv/lookup"
	"github.com/sirupsen/logrus"
)

const defaultSeed = 1

type openConfig struct {
	rdonly  bool
	trunc   bool
	nolocks bool
	seed    int64
	logger  logrus.FieldLogger
}

func defaultOpenConfig() openConfig {
	return openConfig{seed: defaultSeed, logger: logrus.StandardLogger()}
}

func (c openConfig) fileFlags() blockfile.OpenFlags {
	var f blockfile.OpenFlags
	if c.rdonly {
		f |= blockfile.RDONLY
	}
	if c.trunc {
		f |= blockfile.TRUNC
	}
	if c.nolocks {
		f |= blockfile.NOLOCKS
	}
	return f
}

// OpenOption configures Open (§6 open flags).
type OpenOption func(c *openConfig)

// WithReadOnly opens the file read-only; writes return ErrReadOnly.
func WithReadOnly() OpenOption {
	return func(c *openConfig) { c.rdonly = true }
}

// WithTruncate truncates an existing file on open.
func WithTruncate() OpenOption {
	return func(c *openConfig) { c.trunc = true }
}

// WithNoLocks disables the advisory whole-file flock.
func WithNoLocks() OpenOption {
	return func(c *openConfig) { c.nolocks = true }
}

// WithRNGSeed pins the skip-list level generator's seed, letting tests
// reproduce a specific split sequence (§9 "Skip-list RNG").
func WithRNGSeed(seed int64) OpenOption {
	return func(c *openConfig) { c.seed = seed }
}

// WithLogger overrides the default logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) OpenOption {
	return func(c *openConfig) { c.logger = l }
}

type dbConfig struct {
	flags lookup.DBFlags
}

// DBOption configures DB (§6 database flags).
type DBOption func(c *dbConfig)

// WithDBFlags sets the database's key/value interpretation flags.
func WithDBFlags(flags lookup.DBFlags) DBOption {
	return func(c *dbConfig) { c.flags = flags }
}
