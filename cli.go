// cli.go
package main

import (
	"flag"
	"fmt"
	"os"

	"waldiez/internal/checkpoint"
	"waldiez/internal/config"
)

// checkpointsFlags holds the parsed flags of the checkpoints command.
type checkpointsFlags struct {
	workspace     string
	list          bool
	sessions      bool
	session       string
	deleteOne     bool
	deleteSession bool
	checkpoint    string
	clean         bool
	keep          int
}

// runCheckpoints implements the checkpoints command and returns the process
// exit code: 0 on success, 1 on a usage error, 2 for an invalid workspace.
func runCheckpoints(args []string) int {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var f checkpointsFlags
	fs.StringVar(&f.workspace, "workspace", "", "checkpoint workspace root")
	fs.StringVar(&f.workspace, "w", "", "checkpoint workspace root (shorthand)")
	fs.BoolVar(&f.list, "list", false, "list checkpoints")
	fs.BoolVar(&f.list, "l", false, "list checkpoints (shorthand)")
	fs.BoolVar(&f.sessions, "sessions", false, "list sessions")
	fs.BoolVar(&f.sessions, "s", false, "list sessions (shorthand)")
	fs.StringVar(&f.session, "session", "", "session name")
	fs.BoolVar(&f.deleteOne, "delete", false, "delete one checkpoint")
	fs.BoolVar(&f.deleteOne, "d", false, "delete one checkpoint (shorthand)")
	fs.BoolVar(&f.deleteSession, "delete-session", false, "delete a whole session")
	fs.BoolVar(&f.deleteSession, "ds", false, "delete a whole session (shorthand)")
	fs.StringVar(&f.checkpoint, "checkpoint", "", "checkpoint timestamp")
	fs.StringVar(&f.checkpoint, "c", "", "checkpoint timestamp (shorthand)")
	fs.BoolVar(&f.clean, "clean", false, "clean old checkpoints and broken symlinks")
	fs.IntVar(&f.keep, "keep", 5, "checkpoints to keep with --clean")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	workspace := f.workspace
	if workspace == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 2
		}
		workspace = cfg.Workspace
	} else if fi, err := os.Stat(workspace); err != nil || !fi.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: workspace %s does not exist\n", workspace)
		return 2
	}

	storage, err := checkpoint.NewFilesystemStorage(workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	manager := checkpoint.NewManager(storage)

	switch {
	case f.deleteSession:
		if f.session == "" {
			fmt.Fprintln(os.Stderr, "Error: --delete-session requires --session")
			return 1
		}
		deleted, err := manager.DeleteSession(f.session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Deleted session %s (%d checkpoints)\n", f.session, deleted)

	case f.deleteOne:
		if f.session == "" || f.checkpoint == "" {
			fmt.Fprintln(os.Stderr, "Error: --delete requires --session and --checkpoint")
			return 1
		}
		if err := manager.Delete(f.session, f.checkpoint); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Deleted checkpoint %s/%s\n", f.session, f.checkpoint)

	case f.clean:
		if f.session != "" {
			deleted, err := manager.Cleanup(f.session, f.keep)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			fmt.Printf("Deleted %d old checkpoints\n", deleted)
		}
		removed, err := manager.CleanBrokenSymlinks(f.session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Removed %d broken symlinks\n", removed)

	case f.sessions:
		sessions, err := manager.Sessions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, name := range sessions {
			fmt.Println(name)
		}

	case f.list:
		infos, err := manager.Checkpoints(f.session)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		for _, info := range infos {
			fmt.Printf("%s  %s\n", info.Session, info.Name())
		}

	default:
		fs.Usage()
		return 1
	}
	return 0
}
