// mcpdocgen renders the tool catalog as markdown: one entry per
// registry descriptor, with its MCP name and input fields. The catalog
// is built with empty deps — handlers are never invoked here.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/hostbridge/hostbridge/internal/registry"
	"github.com/hostbridge/hostbridge/internal/tools"
)

func main() {
	reg := registry.New()
	if err := tools.RegisterAll(reg, tools.Deps{}); err != nil {
		fmt.Fprintln(os.Stderr, "register tools:", err)
		os.Exit(1)
	}

	fmt.Fprintln(os.Stdout, "# HostBridge Tools (Generated)")
	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, "This file is generated from the tool registry in `internal/tools`.")
	fmt.Fprintln(os.Stdout)

	for _, d := range reg.ToolEndpoints() {
		fmt.Fprintf(os.Stdout, "- `%s`\n", d.MCPName())
		if d.Description != "" {
			fmt.Fprintf(os.Stdout, "  - Description: %s\n", d.Description)
		}
		if d.RequiresHITLDefault {
			fmt.Fprintln(os.Stdout, "  - Requires approval by default")
		}

		requiredSet := make(map[string]bool, len(d.InputSchema.Required))
		for _, r := range d.InputSchema.Required {
			requiredSet[r] = true
		}
		keys := make([]string, 0, len(d.InputSchema.Properties))
		for k := range d.InputSchema.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		if len(keys) > 0 {
			fmt.Fprintln(os.Stdout, "  - Input:")
			for _, k := range keys {
				req := "optional"
				if requiredSet[k] {
					req = "required"
				}
				fmt.Fprintf(os.Stdout, "    - `%s` (%s)\n", k, req)
			}
		}
		fmt.Fprintln(os.Stdout)
	}
}
