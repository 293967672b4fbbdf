// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package crab

import (
	"fmt"
	"sort"
)

const DefaultConfigFile = "/etc/crabdag/config.yml"

type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster ID and config for the given
// cluster, or the default/only configured cluster if clusterID is "".
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose")
		}
		for id, cc := range sc.Clusters {
			cc.ClusterID = id
			return &cc, nil
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID string `json:"-"`

	SystemLogs struct {
		Format string
		Level  string
	}

	// ScratchDir is the parent of per-task scratch directories.
	ScratchDir string
	// BinDir holds the bootstrap files copied into each scratch
	// directory (wrapper scripts, pre/post scripts).
	BinDir         string
	BootstrapFiles []string

	DefaultScheduler string
	Schedulers       map[string]SchedulerConfig

	PrivilegedExec struct {
		// Command to run the privileged child. Empty means
		// re-exec the current binary with "privileged-exec".
		Command string
		Timeout Duration
	}

	Resubmit struct {
		MaxWallTimeMins int
		MaxMemoryMB     int
	}

	TaskDB struct {
		URL      string
		CertFile string
		KeyFile  string
		Retries  int
		Timeout  Duration
	}

	// Extra "KEY=value" strings added to the root node
	// environment.
	AdditionalEnvironment []string
	// Shell snippet sourced before condor commands on a remote
	// gateway.
	RemoteCondorSetup string
}

// Scheduler returns the named scheduler config, or the default
// scheduler if name is "".
func (cc *Cluster) Scheduler(name string) (SchedulerConfig, error) {
	if name == "" {
		name = cc.DefaultScheduler
	}
	sc, ok := cc.Schedulers[name]
	if !ok {
		var names []string
		for n := range cc.Schedulers {
			names = append(names, n)
		}
		sort.Strings(names)
		return SchedulerConfig{}, fmt.Errorf("scheduler %q is not configured (have %q)", name, names)
	}
	if sc.Name == "" {
		sc.Name = name
	}
	return sc, nil
}

// SchedulerConfig describes how to reach one scheduler.
type SchedulerConfig struct {
	// Scheduler name, as passed to "-name" on the condor
	// command line.
	Name string
	// Collector pool, passed as "-pool" if not empty.
	Pool string
	// Timeout for each scheduler command.
	Timeout Duration

	// If Remote.Host is empty, the scheduler is reached with
	// local condor tools. Otherwise commands run over SSH on the
	// remote gateway.
	Remote struct {
		Host           string
		Port           int
		User           string
		PrivateKeyFile string
		KnownHostsFile string
		WorkDir        string
		DialTimeout    Duration
	}
}

// IsLocal reports whether the scheduler is reached with local tools.
func (sc SchedulerConfig) IsLocal() bool {
	return sc.Remote.Host == ""
}
