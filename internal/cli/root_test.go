package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestRootRegistersCommands(t *testing.T) {
	want := []string{"run", "serve", "refresh", "show", "export", "simulate-alert", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %s not registered: %v", name, err)
		}
	}
}

func TestMetalFlagRequired(t *testing.T) {
	for _, name := range []string{"show", "export", "simulate-alert"} {
		cmd, _, _ := rootCmd.Find([]string{name})
		flag := cmd.Flags().Lookup("metal")
		if flag == nil {
			t.Fatalf("%s should accept --metal", name)
		}
		if _, ok := flag.Annotations[cobra.BashCompOneRequiredFlag]; !ok {
			t.Fatalf("%s --metal should be required", name)
		}
	}
}

func TestVersionSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version", "--config", "/does/not/exist.yaml"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version should not load config: %v", err)
	}
	if !strings.Contains(out.String(), "version: ") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
