// ABOUTME: Admin CLI for inspecting and editing hive-store databases
// ABOUTME: Operates directly on the SQLite file; no server process required

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/2389/hive-store/internal/config"
	"github.com/2389/hive-store/internal/store"
)

const banner = `
 _     _                  _                  _
| |__ (_)_   _____       | |_ ___  _ __ ___| |
| '_ \| \ \ / / _ \_____| __/ _ \| '__/ _ \ |
| | | | |\ V /  __/_____| || (_) | | |  __/_|
|_| |_|_| \_/ \___|      \__\___/|_|  \___(_)
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "info":
		err = cmdInfo(args)
	case "schemas":
		err = cmdSchemas(args)
	case "modules":
		err = cmdModules(args)
	case "get":
		err = cmdGet(args)
	case "set":
		err = cmdSet(args)
	case "delete":
		err = cmdDelete(args)
	case "history":
		err = cmdHistory(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: hive-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  init                        Create the database and run built-in migrations")
	fmt.Println("  info                        Show database path, instance ID, and unit versions")
	fmt.Println("  schemas                     List registered schemas and their versions")
	fmt.Println("  modules                     List registered key-value modules")
	fmt.Println("  get <key>                   Read a configuration value")
	fmt.Println("  set <key> <value>           Write a configuration value (--schema required)")
	fmt.Println("  delete <key>                Delete a configuration value")
	fmt.Println("  history <key>               Show the revision history for a key")
	fmt.Println()
	yellow.Println("Options:")
	fmt.Println("  --db <path>                 Database file (overrides HIVE_DB_PATH)")
	fmt.Println("  --scope <name>              Configuration scope (default: global)")
	fmt.Println("  --schema <name>             Schema name for set")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  HIVE_DB_PATH                Database file path")
	fmt.Println("  HIVE_CONFIG                 Config file (default: ~/.config/hive/store.yaml)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export HIVE_DB_PATH=~/.local/share/hive/store.db")
	fmt.Println("  hive-admin init")
	fmt.Println("  hive-admin set cfg.limits 10 --schema cfg.limits")
	fmt.Println("  hive-admin history cfg.limits --scope guild:1234")
	fmt.Println()
}

// cmdArgs holds the options shared by every subcommand
type cmdArgs struct {
	dbPath string
	scope  string
	schema string
	rest   []string
}

// parseArgs splits flag pairs from positional arguments
func parseArgs(args []string) (*cmdArgs, error) {
	parsed := &cmdArgs{scope: "global"}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--db", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--db requires a path")
			}
			parsed.dbPath = args[i+1]
			i++
		case "--scope", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--scope requires a name")
			}
			parsed.scope = args[i+1]
			i++
		case "--schema":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--schema requires a name")
			}
			parsed.schema = args[i+1]
			i++
		default:
			parsed.rest = append(parsed.rest, args[i])
		}
	}

	if parsed.dbPath == "" {
		parsed.dbPath = os.Getenv("HIVE_DB_PATH")
	}
	if cfg := loadOptionalConfig(); cfg != nil {
		slog.SetDefault(setupLogger(cfg.Logging))
		if parsed.dbPath == "" {
			parsed.dbPath = cfg.Database.Path
		}
	}
	if parsed.dbPath == "" {
		configDir := os.Getenv("XDG_DATA_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("could not determine data directory: %w", err)
			}
			configDir = filepath.Join(homeDir, ".local", "share")
		}
		parsed.dbPath = filepath.Join(configDir, "hive", "store.db")
	}

	return parsed, nil
}

// loadOptionalConfig reads the config file named by HIVE_CONFIG, or
// ~/.config/hive/store.yaml when present. Returns nil when no file exists.
func loadOptionalConfig() *config.Config {
	path := os.Getenv("HIVE_CONFIG")
	if path == "" {
		configDir := os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return nil
			}
			configDir = filepath.Join(homeDir, ".config")
		}
		path = filepath.Join(configDir, "hive", "store.yaml")
	}

	if _, err := os.Stat(path); err != nil {
		return nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: ignoring config %s: %v\n", path, err)
		return nil
	}
	return cfg
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// openStore opens the database for a subcommand
func openStore(parsed *cmdArgs) (*store.Store, error) {
	st, err := store.Open(parsed.dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

// cmdInit creates the database file and applies the built-in migrations
func cmdInit(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	green := color.New(color.FgGreen)
	green.Printf("✓ Database ready: %s\n", parsed.dbPath)
	fmt.Printf("  Instance ID: %s\n", st.InstanceID())

	return nil
}

// cmdInfo shows database identity and migration state
func cmdInfo(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Database")
	cyan.Println("  --------")
	fmt.Printf("  Path:         %s\n", parsed.dbPath)
	fmt.Printf("  Instance ID:  %s\n", st.InstanceID())
	fmt.Println()

	ctx := context.Background()
	rows, err := st.DB().QueryContext(ctx,
		`SELECT migration_name, current_version FROM hive_migrations ORDER BY migration_name`)
	if err != nil {
		return fmt.Errorf("reading migration state: %w", err)
	}
	defer rows.Close()

	cyan.Println("  Migration Units")
	cyan.Println("  ---------------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  UNIT\tVERSION")
	fmt.Fprintln(w, "  ----\t-------")
	for rows.Next() {
		var name string
		var version int64
		if err := rows.Scan(&name, &version); err != nil {
			return fmt.Errorf("scanning migration row: %w", err)
		}
		fmt.Fprintf(w, "  %s\t%d\n", name, version)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating migration rows: %w", err)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdSchemas lists the schema registry
func cmdSchemas(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.Schemas().List(context.Background())
	if err != nil {
		return fmt.Errorf("listing schemas: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Registered Schemas")
	cyan.Println("  ------------------")

	if len(entries) == 0 {
		fmt.Println("  (no schemas registered)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tLATEST VERSION")
	fmt.Fprintln(w, "  --\t----\t--------------")
	for _, e := range entries {
		fmt.Fprintf(w, "  %d\t%s\t%d\n", e.SchemaID, e.Name, e.LatestVersion)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdModules lists registered key-value modules
func cmdModules(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	modules, err := st.Kvs().Modules(context.Background())
	if err != nil {
		return fmt.Errorf("listing modules: %w", err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Key-Value Modules")
	cyan.Println("  -----------------")

	if len(modules) == 0 {
		fmt.Println("  (no modules registered)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  MODULE\tTABLE\tSCHEMA VER\tKEY ID\tKEY VER")
	fmt.Fprintln(w, "  ------\t-----\t----------\t------\t-------")
	for _, m := range modules {
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%d\n",
			m.ModulePath, m.TableName, m.SchemaVersion, m.KeyID, m.KeyVersion)
	}
	w.Flush()
	fmt.Println()

	return nil
}

// cmdGet reads a configuration value
func cmdGet(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(parsed.rest) < 1 {
		return fmt.Errorf("usage: get <key> [--scope <name>]")
	}
	key := parsed.rest[0]

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	value, err := st.Config().Get(context.Background(), []byte(parsed.scope), key)
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  %s @ %s\n", key, parsed.scope)
	fmt.Printf("  Schema:   %d (version %d)\n", value.SchemaID, value.SchemaVersion)
	fmt.Printf("  Value:    %s\n", string(value.Data))
	fmt.Println()

	return nil
}

// cmdSet writes a configuration value using the schema's current version
func cmdSet(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(parsed.rest) < 2 {
		return fmt.Errorf("usage: set <key> <value> --schema <name> [--scope <name>]")
	}
	if parsed.schema == "" {
		return fmt.Errorf("set requires --schema <name>")
	}
	key, raw := parsed.rest[0], parsed.rest[1]

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	entry, err := st.Schemas().Entry(ctx, parsed.schema)
	if err != nil {
		return fmt.Errorf("looking up schema %q: %w", parsed.schema, err)
	}

	err = st.Config().Put(ctx, []byte(parsed.scope), key, []byte(raw), entry.SchemaID, entry.LatestVersion)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Set %s @ %s\n", key, parsed.scope)
	fmt.Printf("  Schema: %s (id %d, version %d)\n", entry.Name, entry.SchemaID, entry.LatestVersion)

	return nil
}

// cmdDelete removes a configuration value, recording a tombstone revision
func cmdDelete(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(parsed.rest) < 1 {
		return fmt.Errorf("usage: delete <key> [--scope <name>]")
	}
	key := parsed.rest[0]

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Config().Delete(context.Background(), []byte(parsed.scope), key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Deleted %s @ %s\n", key, parsed.scope)

	return nil
}

// cmdHistory shows archived revisions for a key
func cmdHistory(args []string) error {
	parsed, err := parseArgs(args)
	if err != nil {
		return err
	}
	if len(parsed.rest) < 1 {
		return fmt.Errorf("usage: history <key> [--scope <name>]")
	}
	key := parsed.rest[0]

	st, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.Config().History(context.Background(), []byte(parsed.scope), key)
	if err != nil {
		return fmt.Errorf("reading history for %s: %w", key, err)
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Printf("  History: %s @ %s\n", key, parsed.scope)
	cyan.Println("  --------")

	if len(entries) == 0 {
		fmt.Println("  (no archived revisions)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  REV\tVALUE")
	fmt.Fprintln(w, "  ---\t-----")
	for _, e := range entries {
		if e.Tombstone {
			fmt.Fprintf(w, "  %s\t(deleted)\n", strconv.FormatInt(e.Revision, 10))
		} else {
			fmt.Fprintf(w, "  %s\t%s\n", strconv.FormatInt(e.Revision, 10), string(e.Data))
		}
	}
	w.Flush()
	fmt.Println()

	return nil
}
