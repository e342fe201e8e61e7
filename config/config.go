// Package config loads MasterAllocator configurations from YAML.
//
// Fields that are absent from the document keep the values of
// alloc.DefaultMasterConfig, so a file only needs to name what it changes:
//
//	medium:
//	  capacity: 536870912
//	  max_size: 131072
//	large:
//	  order: 8
//
// Sizes may be written as plain byte counts or with a binary unit suffix
// ("64KiB", "256MiB", "1GiB").
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/joshuapare/tieralloc/alloc"
)

// ErrInvalid indicates a configuration that cannot be used.
var ErrInvalid = errors.New("config: invalid configuration")

// Size is a byte count that unmarshals from an integer or a string with a
// binary unit suffix.
type Size int

var units = []struct {
	suffix string
	shift  int
}{
	{"GiB", 30}, {"MiB", 20}, {"KiB", 10}, {"G", 30}, {"M", 20}, {"K", 10}, {"B", 0},
}

// ParseSize parses "4096", "64KiB" or "1G".
func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	shift := 0
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			s, shift = strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), u.shift
			break
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(ErrInvalid, "size %q", s)
	}
	return Size(n << shift), nil
}

// UnmarshalYAML accepts integer and suffixed string scalars.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.Wrapf(ErrInvalid, "line %d: size must be a scalar", node.Line)
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*s = v
	return nil
}

// file mirrors alloc.MasterConfig with Size fields.
type file struct {
	Small struct {
		Capacity          *Size `yaml:"capacity"`
		PageSize          *Size `yaml:"page_size"`
		MinAllocationSize *Size `yaml:"min_allocation_size"`
		Classes           *int  `yaml:"classes"`
	} `yaml:"small"`
	Medium struct {
		Capacity         *Size `yaml:"capacity"`
		SecondLevelIndex *int  `yaml:"second_level_index"`
		MaxSize          *Size `yaml:"max_size"`
	} `yaml:"medium"`
	Large struct {
		Capacity *Size `yaml:"capacity"`
		BaseSize *Size `yaml:"base_size"`
		Order    *int  `yaml:"order"`
	} `yaml:"large"`
}

func setSize(dst *int, v *Size) {
	if v != nil {
		*dst = int(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// Parse decodes a YAML document over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (alloc.MasterConfig, error) {
	cfg := alloc.DefaultMasterConfig()

	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Mark(errors.Wrap(err, "config: decode"), ErrInvalid)
	}

	setSize(&cfg.Small.Capacity, f.Small.Capacity)
	setSize(&cfg.Small.PageSize, f.Small.PageSize)
	setSize(&cfg.Small.MinAllocationSize, f.Small.MinAllocationSize)
	setInt(&cfg.Small.Classes, f.Small.Classes)
	setSize(&cfg.Medium.Capacity, f.Medium.Capacity)
	setInt(&cfg.Medium.SecondLevelIndex, f.Medium.SecondLevelIndex)
	setSize(&cfg.Medium.MaxSize, f.Medium.MaxSize)
	setSize(&cfg.Large.Capacity, f.Large.Capacity)
	setSize(&cfg.Large.BaseSize, f.Large.BaseSize)
	setInt(&cfg.Large.Order, f.Large.Order)

	if err := cfg.Validate(); err != nil {
		return cfg, errors.Mark(err, ErrInvalid)
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (alloc.MasterConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return alloc.DefaultMasterConfig(), errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// Marshal renders cfg as YAML with plain byte counts.
func Marshal(cfg alloc.MasterConfig) ([]byte, error) {
	return yaml.Marshal(cfg)
}
