package policy

import (
	"os"
	"path/filepath"
	"testing"
)

// TestAllowTool_ExactMatch verifies exact group+tool matching.
func TestAllowTool_ExactMatch(t *testing.T) {
	yaml := `
tools:
  default: deny
  rules:
    - group: main
      tools: ["tools.exec", "tools.spawn_task"]
    - group: side
      tools: ["*"]
`
	policy, err := loadPolicyFromYAML(t, yaml)
	if err != nil {
		t.Fatalf("loadPolicyFromYAML failed: %v", err)
	}

	if !policy.AllowTool("main", "tools.exec") {
		t.Error("expected main/tools.exec to be allowed")
	}
	if !policy.AllowTool("side", "tools.write_file") {
		t.Error("expected side/tools.write_file (wildcard tools) to be allowed")
	}
	if policy.AllowTool("other", "tools.exec") {
		t.Error("expected other/tools.exec to be denied (no rule)")
	}
	if policy.AllowTool("main", "tools.write_file") {
		t.Error("expected main/tools.write_file to be denied (not in tools list)")
	}
}

// TestAllowTool_WildcardGroup verifies wildcard group matching.
func TestAllowTool_WildcardGroup(t *testing.T) {
	yaml := `
tools:
  default: deny
  rules:
    - group: "*"
      tools: ["tools.web_search"]
    - group: admin
      tools: ["*"]
`
	policy, err := loadPolicyFromYAML(t, yaml)
	if err != nil {
		t.Fatalf("loadPolicyFromYAML failed: %v", err)
	}

	if !policy.AllowTool("admin", "anything") {
		t.Error("expected admin/anything to be allowed (exact group, wildcard tool)")
	}
	if !policy.AllowTool("side", "tools.web_search") {
		t.Error("expected side/tools.web_search to be allowed (wildcard group)")
	}
	if policy.AllowTool("side", "tools.exec") {
		t.Error("expected side/tools.exec to be denied (wildcard group doesn't cover this tool)")
	}
}

// TestAllowTool_DefaultDeny verifies default-deny behavior.
func TestAllowTool_DefaultDeny(t *testing.T) {
	yaml := `
tools:
  default: deny
`
	policy, err := loadPolicyFromYAML(t, yaml)
	if err != nil {
		t.Fatalf("loadPolicyFromYAML failed: %v", err)
	}

	if policy.AllowTool("main", "anything") {
		t.Error("expected default-deny with no rules to deny everything")
	}
}

// TestAllowTool_DefaultAllow verifies default-allow behavior.
func TestAllowTool_DefaultAllow(t *testing.T) {
	yaml := `
tools:
  default: allow
  rules:
    - group: untrusted
      tools: []
`
	policy, err := loadPolicyFromYAML(t, yaml)
	if err != nil {
		t.Fatalf("loadPolicyFromYAML failed: %v", err)
	}

	if !policy.AllowTool("trusted", "anything") {
		t.Error("expected unmatched group to fall through to default-allow")
	}
	if policy.AllowTool("untrusted", "anything") {
		t.Error("expected explicit empty-tools rule to deny despite default-allow")
	}
}

// TestAllowTool_Specificity verifies the most-specific rule wins.
func TestAllowTool_Specificity(t *testing.T) {
	yaml := `
tools:
  default: deny
  rules:
    - group: "*"
      tools: ["tools.exec"]
    - group: main
      tools: ["tools.exec", "tools.spawn_task"]
`
	policy, err := loadPolicyFromYAML(t, yaml)
	if err != nil {
		t.Fatalf("loadPolicyFromYAML failed: %v", err)
	}

	if !policy.AllowTool("main", "tools.spawn_task") {
		t.Error("expected the exact-group rule to grant tools.spawn_task over the wildcard rule")
	}
	if !policy.AllowTool("side", "tools.exec") {
		t.Error("expected the wildcard rule to still grant tools.exec to other groups")
	}
	if policy.AllowTool("side", "tools.spawn_task") {
		t.Error("expected groups outside the exact rule to be denied tools.spawn_task")
	}
}

func loadPolicyFromYAML(t *testing.T, content string) (Policy, error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write policy.yaml: %v", err)
	}
	return Load(path)
}
