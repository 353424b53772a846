// Package manifests embeds the static Kubernetes YAML needed to run
// the agent in a cluster. Keeping the manifests in a top-level
// directory (rather than internal/) makes them easy to inspect and
// update without diving into Go packages.
package manifests

import "embed"

// Deploy holds the agent's install manifests (ServiceAccount, RBAC,
// Deployment, Services). Files are accessed via the "deploy/" prefix;
// `porpulsion manifests` prints them for piping into kubectl.
//
//go:embed deploy/*.yaml
var Deploy embed.FS
