// Command godfs is the CLI client: put, get, mkdir, ls, rm, rmdir and
// status against a running cluster.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"

	"github.com/hexasan/godfs/internal/client"
	"github.com/hexasan/godfs/internal/common"
	"github.com/hexasan/godfs/internal/config"
)

var (
	okColor   = color.New(color.FgGreen)
	errColor  = color.New(color.FgRed)
	dirColor  = color.New(color.FgCyan, color.Bold)
	dimColor  = color.New(color.Faint)
	warnColor = color.New(color.FgYellow)
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Usage = usage
	flag.Parse()

	// The CLI talks to the user on stdout; keep slog quiet.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})))

	var cfg config.ClientConfig
	config.MustLoad(*configPath, &cfg)
	c := client.New(cfg)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "put":
		err = runPut(c, args[1:])
	case "get":
		err = runGet(c, args[1:])
	case "mkdir":
		err = runMkdir(c, args[1:])
	case "ls":
		err = runLs(c, args[1:])
	case "rm":
		err = runRm(c, args[1:])
	case "rmdir":
		err = runRmdir(c, args[1:])
	case "status":
		err = runStatus(c)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		errColor.Fprintf(os.Stderr, "godfs: %s\n", describe(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: godfs [-config file] <command> [args]

commands:
  put <local> [dfs-path]     upload a file (empty dfs-path = root)
  get <dfs-path> <local>     download a file
  mkdir <dfs-path>           create a directory
  ls [dfs-path]              list a directory
  rm <dfs-path>              delete a file
  rmdir [-r] <dfs-path>      delete a directory
  status                     show cluster status`)
}

// describe turns an error into the operator-facing category: not
// present, conflict, unreachable, or corrupt.
func describe(err error) string {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return "file not found"
	case errors.Is(err, common.ErrPathConflict):
		return "another write to this path is in flight, retry later"
	case errors.Is(err, common.ErrInsufficientNodes):
		return "no alive datanodes, re-provision nodes and retry"
	case errors.Is(err, common.ErrDirectoryExists):
		return "directory already exists"
	case errors.Is(err, common.ErrDirectoryNotEmpty):
		return "directory not empty (use rmdir -r)"
	case errors.Is(err, common.ErrCorruptBlock):
		return "block corrupt on every replica: " + err.Error()
	case errors.Is(err, common.ErrFileUnreadable), errors.Is(err, common.ErrNoLiveReplicas):
		return "file unreadable, no replica answered: " + err.Error()
	case errors.Is(err, common.ErrWriteFailed):
		return "write failed: " + err.Error()
	default:
		return err.Error()
	}
}

func runPut(c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: put <local> [dfs-path]")
	}
	dfsPath := ""
	if len(args) == 2 {
		dfsPath = args[1]
	}
	if err := c.Put(args[0], dfsPath); err != nil {
		return err
	}
	okColor.Printf("uploaded %s\n", args[0])
	return nil
}

func runGet(c *client.Client, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: get <dfs-path> <local>")
	}
	if err := c.Get(args[0], args[1]); err != nil {
		return err
	}
	okColor.Printf("downloaded %s -> %s\n", args[0], args[1])
	return nil
}

func runMkdir(c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mkdir <dfs-path>")
	}
	if err := c.Mkdir(args[0]); err != nil {
		return err
	}
	okColor.Printf("created %s\n", args[0])
	return nil
}

func runLs(c *client.Client, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}
	entries, err := c.List(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir {
			dirColor.Printf("%s/\n", entry.Name)
		} else {
			fmt.Printf("%-40s %12d  ", entry.Name, entry.Size)
			dimColor.Printf("%s\n", entry.ModifiedAt.Format("2006-01-02 15:04:05"))
		}
	}
	return nil
}

func runRm(c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: rm <dfs-path>")
	}
	if err := c.Delete(args[0]); err != nil {
		return err
	}
	okColor.Printf("removed %s\n", args[0])
	return nil
}

func runRmdir(c *client.Client, args []string) error {
	fs := flag.NewFlagSet("rmdir", flag.ContinueOnError)
	recursive := fs.Bool("r", false, "delete recursively")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: rmdir [-r] <dfs-path>")
	}
	removed, err := c.DeleteDirectory(fs.Arg(0), *recursive)
	if err != nil {
		return err
	}
	okColor.Printf("removed %s (%d files)\n", fs.Arg(0), removed)
	return nil
}

func runStatus(c *client.Client) error {
	status, err := c.ClusterStatus()
	if err != nil {
		return err
	}
	fmt.Printf("files: %d   blocks: %d\n", status.Files, status.Blocks)
	if status.UnderReplicated > 0 {
		warnColor.Printf("under-replicated blocks: %d\n", status.UnderReplicated)
	}
	if status.Lost > 0 {
		errColor.Printf("LOST blocks (no alive replica): %d\n", status.Lost)
	}
	for _, node := range status.Nodes {
		line := fmt.Sprintf("%-24s %-6s last contact %s ago",
			node.Address, node.Status, node.SinceLastContact.Truncate(1e8))
		if node.Status == common.NodeAlive {
			okColor.Println(line)
		} else {
			errColor.Println(line)
		}
	}
	return nil
}
