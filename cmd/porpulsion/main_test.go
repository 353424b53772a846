package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/porpulsion/porpulsion-agent/internal/config"
)

func TestManifestsCommand(t *testing.T) {
	cmd := newManifestsCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)

	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("manifests: %v", err)
	}

	yaml := out.String()
	for _, want := range []string{
		"kind: Deployment",
		"kind: ServiceAccount",
		"kind: Role",
		"kind: Service",
		"name: porpulsion-agent",
		"containerPort: 8441",
	} {
		if !strings.Contains(yaml, want) {
			t.Errorf("manifests output missing %q", want)
		}
	}
}

func TestServeCommandFlags(t *testing.T) {
	conf, err := config.New()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cmd, err := newServeCommand(conf, func() (*App, func(), error) {
		t.Fatal("injector should not run during flag parsing")
		return nil, nil, nil
	})
	if err != nil {
		t.Fatalf("serve command: %v", err)
	}

	for _, name := range []string{"agent-name", "self-url", "namespace", "host", "port", "peer-port"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("flag --%s not registered", name)
		}
	}
}

func TestRootCommandValidationError(t *testing.T) {
	conf, err := config.New()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	root, err := newCmd(conf)
	if err != nil {
		t.Fatalf("root command: %v", err)
	}
	root.SetArgs([]string{"serve"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	if err := root.Execute(); err == nil {
		t.Fatal("expected validation error without --agent-name")
	}
}
