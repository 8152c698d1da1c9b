package main

import "strings"

// reorderArgs moves flags ahead of positional arguments so the flag
// package sees them wherever the user typed them. boolFlags lists flags
// that take no value; every other flag consumes the following argument.
// A lone "--" ends flag processing.
//
//	reorderArgs(["lobby", "--json", "--config", "p.yaml"], {"json": true})
//	→ ["--json", "--config", "p.yaml", "lobby"]
func reorderArgs(args []string, boolFlags map[string]bool) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") || boolFlags[name] {
			continue
		}
		if i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(flags, positional...)
}
