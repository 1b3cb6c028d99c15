// Command thad runs the Agent Hub daemon and its operator tooling.
package main

import "THA-AgentHub/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
