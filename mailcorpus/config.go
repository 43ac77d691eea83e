package mailcorpus

import (
	"os"

	"github.com/dustin/go-humanize"
	"github.com/kjk/mailstore/tardb"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Options struct {
	// compression of new messages, gzip if empty.
	// Existing messages are decoded with whatever they were written with.
	Compression string
	// max size of a segment file, tardb.DefaultMaxSize if 0
	MaxSegmentSize int64
	// if true, fsync files after writing
	SyncWrite bool
	// merge thresholds passed to Indexer.Merge() by Flush()
	SmallMerge int
	LargeMerge int
	// name => one char label, in addition to predefined names
	LabelNames map[string]string
	// full-text indexer, can be nil
	Indexer Indexer
}

func (o *Options) withDefaults() Options {
	var res Options
	if o != nil {
		res = *o
	}
	if res.Compression == "" {
		res.Compression = CompressionGzip
	}
	if res.SmallMerge <= 0 {
		res.SmallMerge = DefaultSmallMerge
	}
	if res.LargeMerge <= 0 {
		res.LargeMerge = DefaultLargeMerge
	}
	return res
}

func (o *Options) tarOptions() *tardb.Options {
	return &tardb.Options{
		MaxSize:   o.MaxSegmentSize,
		SyncWrite: o.SyncWrite,
	}
}

// Config is the yaml config file of the mailstore tool:
//
//	compression: zstd
//	max_segment_size: 10 MB
//	sync_write: false
//	small_merge: 20
//	large_merge: 2000
//	labels:
//	  work: w
//	  family: f
type Config struct {
	Compression    string            `yaml:"compression"`
	MaxSegmentSize string            `yaml:"max_segment_size"`
	SyncWrite      bool              `yaml:"sync_write"`
	SmallMerge     int               `yaml:"small_merge"`
	LargeMerge     int               `yaml:"large_merge"`
	Labels         map[string]string `yaml:"labels"`
}

// ParseConfig parses yaml config
func ParseConfig(d []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(d, &cfg); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

// LoadConfig reads yaml config file at path
func LoadConfig(path string) (*Config, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(d)
	if err != nil {
		return nil, errors.Wrapf(err, "config file '%s'", path)
	}
	return cfg, nil
}

// Options converts config to Options. MaxSegmentSize can be a number of
// bytes or a size like "10 MB".
func (cfg *Config) Options() (*Options, error) {
	if err := ValidateCompression(cfg.Compression); err != nil {
		return nil, err
	}
	opts := &Options{
		Compression: cfg.Compression,
		SyncWrite:   cfg.SyncWrite,
		SmallMerge:  cfg.SmallMerge,
		LargeMerge:  cfg.LargeMerge,
		LabelNames:  cfg.Labels,
	}
	if cfg.MaxSegmentSize != "" {
		n, err := humanize.ParseBytes(cfg.MaxSegmentSize)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid max_segment_size '%s'", cfg.MaxSegmentSize)
		}
		opts.MaxSegmentSize = int64(n)
	}
	if _, err := NewLabels(cfg.Labels); err != nil {
		return nil, err
	}
	return opts, nil
}
