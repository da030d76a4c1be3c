package cmd

import (
	"testing"
)

func TestBuildOptions_FlagsOverrideDefaults(t *testing.T) {
	f := runCmd.Flags()
	mustSet := func(name, value string) {
		t.Helper()
		if err := f.Set(name, value); err != nil {
			t.Fatalf("set %s: %v", name, err)
		}
	}
	mustSet("cluster-name", "prod")
	mustSet("regions", "eu-west-1,eu-central-1")
	mustSet("sleep", "30")
	mustSet("drainable-labels", "app=worker,app=batch")
	mustSet("instance-type-priorities", "m5.large=1")

	opts, err := buildOptions(runCmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if opts.ClusterName != "prod" {
		t.Errorf("cluster name = %q, want prod", opts.ClusterName)
	}
	if len(opts.Regions) != 2 || opts.Regions[0] != "eu-west-1" {
		t.Errorf("regions = %v", opts.Regions)
	}
	if opts.SleepSeconds != 30 {
		t.Errorf("sleep = %d, want 30", opts.SleepSeconds)
	}
	// Untouched flags keep their defaults.
	if opts.OverProvision != 5 {
		t.Errorf("over-provision = %d, want default 5", opts.OverProvision)
	}
	if !opts.DrainableLabels.Matches(map[string]string{"app": "batch"}) {
		t.Error("drainable labels not parsed from flag")
	}
	if p, ok := opts.InstanceTypePriorities.MinInt("m5.large"); !ok || p != 1 {
		t.Errorf("priority = %d, %v; want 1, true", p, ok)
	}
}

func TestBuildOptions_RejectsMalformedMultimap(t *testing.T) {
	f := runCmd.Flags()
	if err := f.Set("cluster-name", "prod"); err != nil {
		t.Fatal(err)
	}
	if err := f.Set("drainable-labels", "not-a-pair"); err != nil {
		t.Fatal(err)
	}

	if _, err := buildOptions(runCmd); err == nil {
		t.Error("expected error for malformed drainable-labels")
	}
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("SLACK_HOOK", "https://hooks.example.com/T000")

	if got := envFallback("", "SLACK_HOOK"); got != "https://hooks.example.com/T000" {
		t.Errorf("env fallback = %q", got)
	}
	if got := envFallback("explicit", "SLACK_HOOK"); got != "explicit" {
		t.Errorf("flag value should win, got %q", got)
	}
}
