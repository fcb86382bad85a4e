package cmd

import (
	"testing"

	"faculty/internal/config"
)

func TestRootCmd_GroupsCommands(t *testing.T) {
	root := NewRootCmd()
	if root.Version != config.Version {
		t.Fatalf("expected version %q, got %q", config.Version, root.Version)
	}
	for name, group := range map[string]string{
		"serve":  groupRPC,
		"call":   groupRPC,
		"mcp":    groupRPC,
		"config": groupSetup,
	} {
		c, _, err := root.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Fatalf("find %s: %v", name, err)
		}
		if c.GroupID != group {
			t.Fatalf("%s: expected group %q, got %q", name, group, c.GroupID)
		}
	}
}
