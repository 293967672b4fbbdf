// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"strings"

	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

//go:embed config.default.yml
var DefaultYAML []byte

var ErrNoClustersDefined = errors.New("config does not define any clusters")

type Loader struct {
	Logger logrus.FieldLogger

	// Path of the cluster config file. "-" means stdin.
	Path string

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to the default config
// file location, or $CRABDAG_CONFIG if that is set.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path field.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/crabdag/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := crab.DefaultConfigFile
	if p := os.Getenv("CRABDAG_CONFIG"); p != "" {
		def = p
	}
	flagset.StringVar(&ldr.Path, "config", def, "Cluster configuration `file` (- for stdin)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return ioutil.ReadAll(ldr.stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ioutil.ReadAll(f)
}

// Load reads the config file at ldr.Path, applies defaults, and
// checks the result.
func (ldr *Loader) Load() (*crab.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*crab.Config, error) {
	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(buf, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, ErrNoClustersDefined
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte("xxxxx"), []byte(id), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		mergeConfig(&merged, src)
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(buf, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	removeSampleKeys(merged)
	mergeConfig(&merged, src)

	var cfg crab.Config
	yamlbuf, err := yaml.Marshal(merged)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(yamlbuf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	var sample struct {
		Clusters map[string]struct {
			Schedulers map[string]crab.SchedulerConfig
		}
	}
	err = yaml.Unmarshal(DefaultYAML, &sample)
	if err != nil {
		return nil, err
	}
	schedulerDefaults := sample.Clusters["xxxxx"].Schedulers["SAMPLE"]
	for id, cc := range cfg.Clusters {
		cc.ClusterID = id
		for name, sc := range cc.Schedulers {
			cc.Schedulers[name] = applySchedulerDefaults(name, sc, schedulerDefaults)
		}
		if err := checkCluster(id, cc); err != nil {
			return nil, err
		}
		cfg.Clusters[id] = cc
	}
	return &cfg, nil
}

// mergeConfig merges src into *dst, recursing into nested maps.
// Values in src replace values in dst, except that a map in src is
// merged key by key into the corresponding map in dst.
func mergeConfig(dst *map[string]interface{}, src map[string]interface{}) {
	if *dst == nil {
		*dst = map[string]interface{}{}
	}
	for k, srcv := range src {
		srcmap, srcIsMap := srcv.(map[string]interface{})
		dstmap, dstIsMap := (*dst)[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeConfig(&dstmap, srcmap)
			(*dst)[k] = dstmap
		} else {
			(*dst)[k] = srcv
		}
	}
}

func removeSampleKeys(m map[string]interface{}) {
	delete(m, "SAMPLE")
	for _, v := range m {
		if v, _ := v.(map[string]interface{}); v != nil {
			removeSampleKeys(v)
		}
	}
}

func applySchedulerDefaults(name string, sc, def crab.SchedulerConfig) crab.SchedulerConfig {
	if sc.Name == "" {
		sc.Name = name
	}
	if sc.Timeout == 0 {
		sc.Timeout = def.Timeout
	}
	if sc.Remote.Host != "" {
		if sc.Remote.Port == 0 {
			sc.Remote.Port = def.Remote.Port
		}
		if sc.Remote.User == "" {
			sc.Remote.User = def.Remote.User
		}
		if sc.Remote.PrivateKeyFile == "" {
			sc.Remote.PrivateKeyFile = def.Remote.PrivateKeyFile
		}
		if sc.Remote.KnownHostsFile == "" {
			sc.Remote.KnownHostsFile = def.Remote.KnownHostsFile
		}
		if sc.Remote.WorkDir == "" {
			sc.Remote.WorkDir = def.Remote.WorkDir
		}
		if sc.Remote.DialTimeout == 0 {
			sc.Remote.DialTimeout = def.Remote.DialTimeout
		}
	}
	return sc
}

func checkCluster(id string, cc crab.Cluster) error {
	if cc.DefaultScheduler != "" {
		if _, ok := cc.Schedulers[cc.DefaultScheduler]; !ok {
			return fmt.Errorf("Clusters.%s.DefaultScheduler: %q is not listed in Schedulers", id, cc.DefaultScheduler)
		}
	}
	if cc.ScratchDir == "" {
		return fmt.Errorf("Clusters.%s.ScratchDir: must not be empty", id)
	}
	if cc.Resubmit.MaxWallTimeMins <= 0 || cc.Resubmit.MaxMemoryMB <= 0 {
		return fmt.Errorf("Clusters.%s.Resubmit: limits must be positive", id)
	}
	if cc.PrivilegedExec.Timeout <= 0 {
		return fmt.Errorf("Clusters.%s.PrivilegedExec.Timeout: must be positive", id)
	}
	for _, env := range cc.AdditionalEnvironment {
		if !strings.Contains(env, "=") || strings.ContainsAny(env, "\"\n") {
			return fmt.Errorf("Clusters.%s.AdditionalEnvironment: invalid entry %q (must be KEY=value without quotes)", id, env)
		}
	}
	return nil
}

// logExtraKeys logs a warning for each key in supplied that has no
// counterpart in expected.
func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	var keys []string
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	allowed := map[string]interface{}{}
	for k, v := range expected {
		allowed[strings.ToLower(k)] = v
	}
	for _, k := range keys {
		vsupp := supplied[k]
		vexp, ok := allowed[strings.ToLower(k)]
		if expected["SAMPLE"] != nil {
			vexp = expected["SAMPLE"]
		} else if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}
