// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements reading and writing of the peercore
// configuration file.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/syncthing/peercore/lib/rand"
)

const CurrentVersion = 1

type Configuration struct {
	Version int                   `json:"version"`
	Options OptionsConfiguration  `json:"options"`
	Folders []FolderConfiguration `json:"folders"`
}

// New returns a configuration with default options and a fresh node id.
func New(nick string) Configuration {
	var cfg Configuration
	cfg.Version = CurrentVersion
	if err := setDefaults(&cfg.Options); err != nil {
		panic(err)
	}
	if nick != "" {
		cfg.Options.Nick = nick
	}
	if err := cfg.prepare(); err != nil {
		panic(err)
	}
	return cfg
}

// ReadYAML parses a configuration, filling in defaults for anything not
// given.
func ReadYAML(r io.Reader) (Configuration, error) {
	bs, err := io.ReadAll(r)
	if err != nil {
		return Configuration{}, err
	}

	var cfg Configuration
	if err := setDefaults(&cfg.Options); err != nil {
		return Configuration{}, err
	}
	if err := yaml.Unmarshal(bs, &cfg); err != nil {
		return Configuration{}, errors.Wrap(err, "parsing configuration")
	}
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if err := cfg.prepare(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

func (cfg Configuration) WriteYAML(w io.Writer) error {
	bs, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(bs)
	return err
}

func (cfg Configuration) Copy() Configuration {
	cp := cfg
	cp.Options = cfg.Options.Copy()
	cp.Folders = slices.Clone(cfg.Folders)
	return cp
}

// prepare fills in generated values and validates the configuration.
func (cfg *Configuration) prepare() error {
	if cfg.Version > CurrentVersion {
		return fmt.Errorf("configuration version %d is newer than supported version %d", cfg.Version, CurrentVersion)
	}

	opts := &cfg.Options
	if opts.NodeID == "" {
		opts.NodeID = rand.ID()
		l.Infoln("Generated node ID", opts.NodeID)
	}
	opts.Nick = strings.TrimSpace(opts.Nick)
	if opts.Nick == "" {
		opts.Nick = opts.NodeID
	}
	if opts.NetworkID == "" {
		return errors.New("network ID must not be empty")
	}
	if opts.RequestorMaxWorkers < 1 {
		opts.RequestorMaxWorkers = 1
	}
	if opts.RequestorFoldersPerWorker < 1 {
		opts.RequestorFoldersPerWorker = 1
	}
	if opts.RequestorPeriodS < 1 {
		opts.RequestorPeriodS = NewOptions().RequestorPeriodS
	}

	seen := make(map[string]struct{}, len(cfg.Folders))
	for _, folder := range cfg.Folders {
		if folder.ID == "" {
			return errors.New("folder with empty ID")
		}
		if _, ok := seen[folder.ID]; ok {
			return fmt.Errorf("duplicate folder ID %q", folder.ID)
		}
		seen[folder.ID] = struct{}{}
	}
	return nil
}

// Load reads the configuration at path.
func Load(path string) (Configuration, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Configuration{}, err
	}
	defer fd.Close()
	cfg, err := ReadYAML(fd)
	if err != nil {
		return Configuration{}, errors.Wrap(err, path)
	}
	return cfg, nil
}

// setDefaults sets the fields of the struct pointed to by data from their
// "default" tags.
func setDefaults(data interface{}) error {
	s := reflect.ValueOf(data).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		v := t.Field(i).Tag.Get("default")
		if v == "" {
			continue
		}

		switch f.Interface().(type) {
		case string:
			f.SetString(v)

		case int:
			i, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			f.SetInt(i)

		case float64:
			fl, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			f.SetFloat(fl)

		case bool:
			f.SetBool(v == "true")

		case []string:
			vals := strings.Split(v, ",")
			for i := range vals {
				vals[i] = strings.TrimSpace(vals[i])
			}
			f.Set(reflect.ValueOf(vals))

		default:
			panic(f.Type())
		}
	}
	return nil
}
