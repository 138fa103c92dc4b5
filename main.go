package main

import (
	"flag"
	"os"

	"grimm.is/fwguard/cmd"
	"grimm.is/fwguard/internal/brand"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := startFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		startFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		// The daemon always runs in the foreground; -f is accepted for
		// service files written for other daemons.
		startFlags.Bool("foreground", true, "Run in foreground")
		startFlags.Bool("f", true, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if err := cmd.RunStart(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		configFile := checkFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		checkFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		if len(checkFlags.Args()) > 0 {
			*configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(os.Stdout, *configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "rules":
		if err := cmd.RunRules(os.Stdout, os.Args[2:]); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "token":
		tokenFlags := flag.NewFlagSet("token", flag.ExitOnError)
		generate := tokenFlags.Bool("generate", false, "Generate a random token instead of reading one from stdin")
		tokenFlags.Parse(os.Args[2:])

		if err := cmd.RunToken(os.Stdout, os.Stdin, *generate); err != nil {
			printer.Fprintf(os.Stderr, "Token failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf("Usage: %s <command> [options]\n\n", brand.BinaryName)
	printer.Println("Commands:")
	printer.Println("  start [-c config]        Run the guard daemon in the foreground")
	printer.Println("  check [-c config] [-v]   Validate the configuration file")
	printer.Println("  rules <action> [guid]    Inspect or act on guarded rules:")
	printer.Println("                           list [-o table|json|yaml], approve, approve-changes,")
	printer.Println("                           restore, cleanup [-all]")
	printer.Println("  token [-generate]        Print an api.token_hash line for a bearer token")
	printer.Println("  version                  Show version information")
}
