package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/shurlinet/parley/internal/config"
)

func runConfig(args []string) {
	if len(args) < 1 {
		printConfigUsage()
		osExit(1)
	}

	switch args[0] {
	case "validate":
		runConfigValidate(args[1:])
	case "show":
		runConfigShow(args[1:])
	case "rollback":
		runConfigRollback(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n\n", args[0])
		printConfigUsage()
		osExit(1)
	}
}

func printConfigUsage() {
	fmt.Println("Usage: parley config <validate|show|rollback> [--config path]")
}

func runConfigValidate(args []string) {
	if err := doConfigValidate(args, os.Stdout); err != nil {
		fatal("%v", err)
	}
}

func doConfigValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(stdout, "FAIL: %s\n", err)
		return errors.New("invalid config")
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stdout, "FAIL: %s\n", err)
		return errors.New("validation failed")
	}

	fmt.Fprintf(stdout, "OK: %s is valid\n", cfgFile)
	return nil
}

func runConfigShow(args []string) {
	if err := doConfigShow(args, os.Stdout); err != nil {
		fatal("%v", err)
	}
}

// doConfigShow prints the effective config: the file merged over the
// defaults, with relative paths resolved.
func doConfigShow(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	cfgFile, err := config.FindConfigFile(*configFlag)
	switch {
	case err == nil:
		if cfg, err = config.Load(cfgFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		config.ResolveConfigPaths(cfg, filepath.Dir(cfgFile))
		fmt.Fprintf(stdout, "# Resolved config from %s\n", cfgFile)
	case *configFlag == "" && errors.Is(err, config.ErrConfigNotFound):
		fmt.Fprintln(stdout, "# No config file found; built-in defaults")
	default:
		return fmt.Errorf("config error: %w", err)
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(stdout, "# WARNING: config has validation errors: %v\n", err)
	}

	out, err := config.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, string(out))

	if cfgFile != "" {
		if config.HasArchive(cfgFile) {
			fmt.Fprintf(stdout, "\n# Archived config: %s\n", config.ArchivePath(cfgFile))
		} else {
			fmt.Fprintln(stdout, "\n# No archived config (one is kept after the daemon starts cleanly)")
		}
	}
	return nil
}

func runConfigRollback(args []string) {
	if err := doConfigRollback(args, os.Stdout); err != nil {
		fatal("%v", err)
	}
}

func doConfigRollback(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("config rollback", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile, err := config.FindConfigFile(*configFlag)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if err := config.Rollback(cfgFile); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Restored %s from %s\n", cfgFile, config.ArchivePath(cfgFile))
	fmt.Fprintln(stdout, "Restart the daemon to apply.")
	return nil
}
