// Package config provides the process configuration surface for the
// fleet autoscaler. Options come from CLI flags, with an optional YAML
// file supplying defaults; validation happens once at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options holds every tunable the reconciliation loop consumes.
type Options struct {
	// ClusterName identifies the cluster whose compute groups are managed.
	// Used as the value of the cluster discovery tag on auto-scaling groups.
	ClusterName string `yaml:"clusterName"`

	// Regions lists the fault-isolation domains to reconcile.
	Regions []string `yaml:"regions"`

	// SleepSeconds is the base interval between reconciliation cycles.
	SleepSeconds int `yaml:"sleepSeconds"`

	// Kubeconfig is the path to an explicit credentials file.
	// Empty means in-cluster configuration.
	Kubeconfig string `yaml:"kubeconfig"`

	// PodNamespace restricts pod listing to one namespace. Empty means all.
	PodNamespace string `yaml:"podNamespace"`

	IdleThresholdSeconds     int `yaml:"idleThresholdSeconds"`
	TypeIdleThresholdSeconds int `yaml:"typeIdleThresholdSeconds"`
	InstanceInitTimeSeconds  int `yaml:"instanceInitTimeSeconds"`

	// OverProvision is the buffer of extra instances added beyond
	// exactly-computed demand on every scale-up.
	OverProvision int `yaml:"overProvision"`

	// NoScale suppresses scale-up execution; decisions are still computed
	// and reported. NoMaintenance does the same for scale-down.
	NoScale       bool `yaml:"noScale"`
	NoMaintenance bool `yaml:"noMaintenance"`

	// DryRun logs and simulates every mutating call without issuing it.
	DryRun bool `yaml:"dryRun"`

	// ScaleLabel is the node label key associating a node with its owning
	// compute group. Empty falls back to provider-ID instance matching.
	ScaleLabel string `yaml:"scaleLabel"`

	// DrainableLabels marks which pod labels permit eviction during
	// scale-down. A pod matching no entry blocks its node's termination.
	DrainableLabels Multimap `yaml:"drainableLabels"`

	// InstanceTypePriorities orders scale-up targets: instance types with
	// values closer to 0 are scaled up first.
	InstanceTypePriorities Multimap `yaml:"instanceTypePriorities"`

	// Notification and telemetry credentials; all optional, env-supplied.
	SlackHook     string `yaml:"-"`
	SlackBotToken string `yaml:"-"`
	DatadogAPIKey string `yaml:"-"`

	// Verbose sets log noise, 0 (errors only) through 3 (debug).
	Verbose int `yaml:"verbose"`
}

// Defaults returns an Options populated with the stock values.
func Defaults() *Options {
	return &Options{
		Regions:                  []string{"us-west-1"},
		SleepSeconds:             60,
		IdleThresholdSeconds:     3600,
		TypeIdleThresholdSeconds: 3600 * 24 * 7,
		InstanceInitTimeSeconds:  25 * 60,
		OverProvision:            5,
		DrainableLabels:          Multimap{},
		InstanceTypePriorities:   Multimap{},
	}
}

// Load reads defaults from a YAML file. Flag values applied after loading
// override whatever the file provided.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	opts := Defaults()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks the options once at startup.
func (o *Options) Validate() error {
	if o.ClusterName == "" {
		return fmt.Errorf("cluster-name is required")
	}
	if len(o.Regions) == 0 {
		return fmt.Errorf("at least one region is required")
	}
	for _, r := range o.Regions {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("regions must not contain empty entries")
		}
	}
	if o.SleepSeconds <= 0 {
		return fmt.Errorf("sleep must be > 0 seconds")
	}
	if o.IdleThresholdSeconds <= 0 {
		return fmt.Errorf("idle-threshold must be > 0 seconds")
	}
	if o.TypeIdleThresholdSeconds <= 0 {
		return fmt.Errorf("type-idle-threshold must be > 0 seconds")
	}
	if o.InstanceInitTimeSeconds < 0 {
		return fmt.Errorf("instance-init-time must be >= 0 seconds")
	}
	if o.OverProvision < 0 {
		return fmt.Errorf("over-provision must be >= 0")
	}
	return nil
}

// Sleep returns the base cycle interval as a duration.
func (o *Options) Sleep() time.Duration {
	return time.Duration(o.SleepSeconds) * time.Second
}

// IdleThreshold returns the per-node idle threshold as a duration.
func (o *Options) IdleThreshold() time.Duration {
	return time.Duration(o.IdleThresholdSeconds) * time.Second
}

// TypeIdleThreshold returns the whole-type idle threshold as a duration.
func (o *Options) TypeIdleThreshold() time.Duration {
	return time.Duration(o.TypeIdleThresholdSeconds) * time.Second
}

// InstanceInitTime returns the post-scale-up grace period as a duration.
func (o *Options) InstanceInitTime() time.Duration {
	return time.Duration(o.InstanceInitTimeSeconds) * time.Second
}
