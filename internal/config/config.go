// Package config loads groupstore configuration.
//
// Configuration comes from a YAML file validated against an embedded CUE
// schema, followed by environment overrides (optionally loaded from a .env
// file):
//
//	GROUPSTORE_CONTAINER_ROOT  overrides container_root
//	GROUPSTORE_DRIVER          overrides driver
//	GROUPSTORE_GROUPS          comma-separated groups appended to groups
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/groupstore/internal/bootstrap"
	"github.com/roach88/groupstore/internal/container"
	"github.com/roach88/groupstore/internal/store"
)

// Environment variables read by ApplyEnv.
const (
	EnvContainerRoot = "GROUPSTORE_CONTAINER_ROOT"
	EnvDriver        = "GROUPSTORE_DRIVER"
	EnvGroups        = "GROUPSTORE_GROUPS"
)

//go:embed schema.cue
var schemaSource string

// Config is the full groupstore configuration.
type Config struct {
	ContainerRoot string        `yaml:"container_root,omitempty"`
	Driver        string        `yaml:"driver,omitempty"`
	Groups        []string      `yaml:"groups,omitempty"`
	Stores        []StoreConfig `yaml:"stores,omitempty"`
}

// StoreConfig names one store to set up.
type StoreConfig struct {
	Name        string `yaml:"name"`
	Group       string `yaml:"group"`
	AutoMigrate bool   `yaml:"auto_migrate,omitempty"`
}

// Load reads, schema-checks and parses the YAML file at path, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse is Load for in-memory YAML. filename is used in error messages.
func Parse(filename string, data []byte) (*Config, error) {
	if err := checkSchema(filename, data); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filename, err)
	}

	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process
// environment without overriding variables that are already set.
// A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays GROUPSTORE_* environment variables onto c.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvContainerRoot); v != "" {
		c.ContainerRoot = v
	}
	if v := os.Getenv(EnvDriver); v != "" {
		c.Driver = v
	}
	if v := os.Getenv(EnvGroups); v != "" {
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" && !contains(c.Groups, g) {
				c.Groups = append(c.Groups, g)
			}
		}
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	switch c.Driver {
	case "", store.DriverCGO, store.DriverPure:
	default:
		return fmt.Errorf("invalid driver %q: must be %q or %q", c.Driver, store.DriverCGO, store.DriverPure)
	}

	registered := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		n, err := container.NormalizeName(g)
		if err != nil {
			return fmt.Errorf("invalid group %q: %w", g, err)
		}
		registered[n] = true
	}

	for i, s := range c.Stores {
		if _, err := container.NormalizeName(s.Name); err != nil {
			return fmt.Errorf("stores[%d]: invalid name: %w", i, err)
		}
		g, err := container.NormalizeName(s.Group)
		if err != nil {
			return fmt.Errorf("stores[%d]: invalid group: %w", i, err)
		}
		if !registered[g] {
			return fmt.Errorf("stores[%d] (%s): group %q is not listed in groups", i, s.Name, s.Group)
		}
	}
	return nil
}

// Directory builds the container resolver described by c. An empty
// ContainerRoot falls back to container.DefaultRoot().
func (c *Config) Directory() (*container.Directory, error) {
	root := c.ContainerRoot
	if root == "" {
		var err error
		root, err = container.DefaultRoot()
		if err != nil {
			return nil, err
		}
	}
	return container.NewDirectory(root, c.Groups...)
}

// Bootstrap builds a Bootstrap over c.Directory().
func (c *Config) Bootstrap(logger *slog.Logger) (*bootstrap.Bootstrap, error) {
	dir, err := c.Directory()
	if err != nil {
		return nil, err
	}
	opts := []bootstrap.Option{bootstrap.WithDriver(c.Driver)}
	if logger != nil {
		opts = append(opts, bootstrap.WithLogger(logger))
	}
	return bootstrap.New(dir, opts...), nil
}

// checkSchema unifies the YAML document with the #Config definition.
func checkSchema(filename string, data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("parse config %s: %w", filename, err)
	}

	if err := def.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config %s: %s", filename, strings.TrimSpace(cueerrors.Details(err, nil)))
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
