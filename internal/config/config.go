// Package config loads the daemon's on-disk/env configuration with
// koanf/v2 and translates it into the frozen server.Config the core
// actually consumes: defaults first, then the YAML file, then DIOD9P_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/sandia-hpc/diod9p/internal/proto"
	"github.com/sandia-hpc/diod9p/internal/server"
)

// File is the on-disk shape of the configuration; koanf tags name the YAML
// keys and the env-var suffixes (after stripping envPrefix).
type File struct {
	Listen struct {
		Network string `koanf:"network"`
		Address string `koanf:"address"`
	} `koanf:"listen"`

	Auth struct {
		Required bool `koanf:"required"`
	} `koanf:"auth"`

	Export struct {
		AllSquash bool    `koanf:"all_squash"`
		RunAsUID  *uint32 `koanf:"run_as_uid"`
	} `koanf:"export"`

	Server struct {
		NWThreads uint32 `koanf:"nwthreads"`
		Msize     uint32 `koanf:"msize"`
	} `koanf:"server"`

	Log struct {
		Level string `koanf:"level"`
		Trace bool   `koanf:"trace"`
	} `koanf:"log"`

	Metrics struct {
		Address string `koanf:"address"`
	} `koanf:"metrics"`
}

// envPrefix maps DIOD9P_SERVER_MSIZE onto server.msize, etc.
const envPrefix = "DIOD9P_"

// Default returns a File populated with conservative defaults: auth
// disabled, four workers, and a 64 KiB msize.
func Default() *File {
	f := &File{}
	f.Listen.Network = "tcp"
	f.Listen.Address = ":5640"
	f.Server.NWThreads = 4
	f.Server.Msize = 65536
	f.Log.Level = "info"
	f.Metrics.Address = ":9565"
	return f
}

// Load reads path (if non-empty) over Default(), then applies
// environment overrides.
func Load(path string) (*File, error) {
	k := koanf.New(".")

	if err := k.Load(structProvider(Default()), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env overrides: %w", err)
	}

	f := &File{}
	if err := k.Unmarshal("", f); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(f); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Only the first underscore separates section from key, so keys that
	// contain underscores (export.all_squash) stay reachable.
	return strings.Replace(s, "_", ".", 1)
}

// structProvider adapts an already-populated *File into a koanf Provider so
// Load can layer the file/env providers on top of it with one code path.
func structProvider(f *File) koanf.Provider {
	return koanfStruct{f}
}

type koanfStruct struct{ f *File }

func (k koanfStruct) ReadBytes() ([]byte, error) { return nil, errors.New("config: not a byte source") }

func (k koanfStruct) Read() (map[string]interface{}, error) {
	return map[string]interface{}{
		"listen": map[string]interface{}{
			"network": k.f.Listen.Network,
			"address": k.f.Listen.Address,
		},
		"auth": map[string]interface{}{
			"required": k.f.Auth.Required,
		},
		"export": map[string]interface{}{
			"all_squash": k.f.Export.AllSquash,
		},
		"server": map[string]interface{}{
			"nwthreads": k.f.Server.NWThreads,
			"msize":     k.f.Server.Msize,
		},
		"log": map[string]interface{}{
			"level": k.f.Log.Level,
			"trace": k.f.Log.Trace,
		},
		"metrics": map[string]interface{}{
			"address": k.f.Metrics.Address,
		},
	}, nil
}

var (
	ErrEmptyListenAddress = errors.New("listen.address must not be empty")
	ErrZeroWorkers        = errors.New("server.nwthreads must be >= 1")
	ErrZeroMsize          = errors.New("server.msize must be >= 1")
)

// Validate checks f for the logical errors a koanf unmarshal can't catch.
func Validate(f *File) error {
	if f.Listen.Address == "" {
		return ErrEmptyListenAddress
	}
	if f.Server.NWThreads == 0 {
		return ErrZeroWorkers
	}
	if f.Server.Msize == 0 {
		return ErrZeroMsize
	}
	return nil
}

// ToServerConfig projects the on-disk shape onto the frozen server.Config
// the core consumes. Nothing downstream mutates it; a SIGHUP reload (if
// ever added) would call Load and ToServerConfig again and build a new
// Server rather than mutate this one.
func (f *File) ToServerConfig() server.Config {
	var debug proto.DebugFlag
	if f.Log.Trace {
		debug |= proto.TraceP9 | proto.TraceAuth
	}

	return server.Config{
		AuthRequired: f.Auth.Required,
		AllSquash:    f.Export.AllSquash,
		RunAsUID:     f.Export.RunAsUID,
		NWThreads:    f.Server.NWThreads,
		Msize:        f.Server.Msize,
		DebugLevel:   debug,
	}
}
