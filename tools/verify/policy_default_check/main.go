package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/taskward/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "taskward-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	assertTrue("default_allow_cap_read", p.AllowCapability(policy.CapRead))
	assertTrue("default_allow_cap_mutate", p.AllowCapability(policy.CapMutate))
	assertTrue("default_allow_cap_register", p.AllowCapability(policy.CapRegister))
	assertFalse("default_allow_cap_admin", p.AllowCapability(policy.CapAdmin))
	assertFalse("default_allow_cap_unknown", p.AllowCapability("legacy.run"))

	dir, err := os.MkdirTemp("", "taskward-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "allow_capabilities:\n  - coord.read\nagent_rules:\n  - agent: observer\n    capabilities: [coord.read]\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial, policyPath)
	versionBefore := live.PolicyVersion()

	invalid := "allow_capabilities:\n  - coord.read\n  - coord.unknown\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertTrue("retain_previous_cap", live.AllowCapability(policy.CapRead))
	assertTrue("retain_previous_version", live.PolicyVersion() == versionBefore)
	assertFalse("deny_unknown_cap", live.AllowCapability("coord.unknown"))
	assertFalse("observer_cannot_mutate", live.AllowAgent("observer", policy.CapMutate))

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
