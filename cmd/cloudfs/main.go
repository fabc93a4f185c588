// Command cloudfs runs filesystem operations against the configured
// mounts.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/acl"
	"github.com/fruitsalade/cloudfs/internal/config"
	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/filecache"
	"github.com/fruitsalade/cloudfs/internal/filesystem"
	"github.com/fruitsalade/cloudfs/internal/llop"
	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/quota"
	"github.com/fruitsalade/cloudfs/internal/storage"
	"github.com/fruitsalade/cloudfs/internal/vfs"
	"github.com/fruitsalade/cloudfs/internal/vfs/memfs"
	"github.com/fruitsalade/cloudfs/internal/vfs/pgfs"
)

const (
	exitOK      = 0
	exitError   = 1
	exitPartial = 2
	exitUsage   = 64
)

type globals struct {
	userID     int64
	username   string
	admin      bool
	showEvents bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var g globals
	flags := pflag.NewFlagSet("cloudfs", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Int64VarP(&g.userID, "user", "u", 1, "user id to act as")
	flags.StringVar(&g.username, "username", "", "user name shown in logs")
	flags.BoolVar(&g.admin, "admin", true, "act as an administrator")
	flags.BoolVarP(&g.showEvents, "events", "e", false, "print operation events to stderr as JSON")
	flags.Usage = func() { printUsage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() == 0 {
		printUsage(flags)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitError
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogOutput,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		return exitError
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := open(ctx, cfg)
	if err != nil {
		logging.Error("startup failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "cloudfs: %v\n", err)
		return exitError
	}
	defer a.close()

	if g.showEvents {
		done := a.printEvents(os.Stderr)
		defer done()
	}

	actor := vfs.Actor{UserID: g.userID, Username: g.username, Admin: g.admin}
	cmd, cmdArgs := flags.Arg(0), flags.Args()[1:]

	err = a.dispatch(ctx, actor, cmd, cmdArgs)
	return report(err)
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `cloudfs - personal cloud filesystem

Usage: cloudfs [flags] <command> [args]

Flags:
%s
Commands:
  stat <sel>                         Show a node
  ls <sel>                           List a directory
  mkdir <parent> <name>              Create a directory
  write [--overwrite] [--immutable] <sel> [file]
                                     Write a file from a local file or stdin
  cat <sel>                          Print a file
  cp [--overwrite] <src> <parent> <name>
                                     Copy a node
  mv [--overwrite] <src> <parent> <name>
                                     Move a node
  rm [-r] <sel>                      Remove a node
  cache-stats                        Show content cache occupancy
  mounts                             List mounts

A selector is an absolute path or uid:<uuid>.

Configuration comes from CLOUDFS_* environment variables, for example
CLOUDFS_MOUNTS_FILE, CLOUDFS_DATABASE_URL, CLOUDFS_OPS_MAX_PARALLEL and
CLOUDFS_CACHE_DIR.
`, flags.FlagUsages())
}

// report prints err and maps it to an exit code.
func report(err error) int {
	if err == nil {
		return exitOK
	}
	var pf *llop.PartialFailure
	if errors.As(err, &pf) {
		fmt.Fprintf(os.Stderr, "cloudfs: %s %s partially failed\n", pf.Op, pf.Subject)
		w := tabwriter.NewWriter(os.Stderr, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SUB-TASK\tATTEMPTS\tRESULT")
		for _, o := range pf.Outcomes {
			result := "ok"
			if o.Err != nil {
				result = o.Err.Error()
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", o.Name, o.Attempts, result)
		}
		w.Flush()
		return exitPartial
	}
	var usage usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(os.Stderr, "cloudfs: %v\n", err)
		return exitUsage
	}
	fmt.Fprintf(os.Stderr, "cloudfs: %v\n", err)
	return exitError
}

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// app holds everything opened at startup.
type app struct {
	svc     *filesystem.Service
	mounts  *vfs.Mounts
	db      *sql.DB
	objects storage.ObjectStore
	cache   *filecache.Cache
	events  *events.Broadcaster
}

func open(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{events: events.NewBroadcaster(), mounts: vfs.NewMounts()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if cfg.DatabaseURL != "" {
		if a.db, err = pgfs.OpenDB(cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	if cfg.ObjectStore != "" {
		a.objects, err = storage.NewFromConfig(ctx, cfg.ObjectStore, json.RawMessage(cfg.ObjectStoreConfig))
		if err != nil {
			return nil, fmt.Errorf("object store: %w", err)
		}
	}

	reg := vfs.NewRegistry()
	if err := reg.Register("memory", memfs.Open); err != nil {
		return nil, err
	}
	if err := reg.Register("postgres", pgfs.Open); err != nil {
		return nil, err
	}
	res := vfs.Resources{DB: a.db, Objects: a.objects}
	if err := a.mounts.Load(ctx, reg, cfg.Mounts, res); err != nil {
		return nil, err
	}

	deps := llop.Deps{
		Events:           a.events,
		Retry:            cfg.Retry(),
		MaxParallel:      cfg.OpsMaxParallel,
		ProgressInterval: cfg.ProgressInterval,
	}
	if a.db != nil {
		grants := acl.NewPermissionStore(a.db)
		if err := grants.Migrate(ctx); err != nil {
			return nil, err
		}
		usage := quota.NewStore(a.db)
		if err := usage.Migrate(ctx); err != nil {
			return nil, err
		}
		deps.ACL = acl.NewPolicy(grants)
		deps.Usage = usage
	} else {
		deps.ACL = acl.NewPolicy(acl.NewMemoryGrants())
		deps.Usage = quota.NewMemory()
	}

	if cfg.CacheDir != "" {
		if a.cache, err = filecache.New(cfg.Cache()); err != nil {
			return nil, fmt.Errorf("content cache: %w", err)
		}
	}

	if a.svc, err = filesystem.New(a.mounts, deps, a.cache); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if err := a.mounts.Close(); err != nil {
		logging.Warn("closing mounts", zap.Error(err))
	}
	if a.objects != nil {
		a.objects.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// printEvents streams published events to w until the returned func is
// called.
func (a *app) printEvents(w io.Writer) func() {
	sub := a.events.Subscribe(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		enc := json.NewEncoder(w)
		for ev := range sub.Events() {
			enc.Encode(ev)
		}
	}()
	return func() {
		sub.Close()
		wg.Wait()
		if n := sub.Dropped(); n > 0 {
			logging.Warn("event stream fell behind", zap.Int64("dropped", n))
		}
	}
}

func (a *app) dispatch(ctx context.Context, actor vfs.Actor, cmd string, args []string) error {
	switch cmd {
	case "stat":
		return a.cmdStat(ctx, actor, args)
	case "ls":
		return a.cmdLs(ctx, actor, args)
	case "mkdir":
		return a.cmdMkdir(ctx, actor, args)
	case "write":
		return a.cmdWrite(ctx, actor, args)
	case "cat":
		return a.cmdCat(ctx, actor, args)
	case "cp":
		return a.cmdTransfer(ctx, actor, "cp", args)
	case "mv":
		return a.cmdTransfer(ctx, actor, "mv", args)
	case "rm":
		return a.cmdRm(ctx, actor, args)
	case "cache-stats":
		a.cmdCacheStats()
		return nil
	case "mounts":
		a.cmdMounts()
		return nil
	default:
		return usagef("unknown command: %s", cmd)
	}
}

func selectors(args []string, want int) ([]vfs.Selector, error) {
	if len(args) < want {
		return nil, usagef("expected %d selector(s), got %d", want, len(args))
	}
	out := make([]vfs.Selector, 0, want)
	for _, a := range args[:want] {
		sel, err := filesystem.ParseSelector(a)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

func (a *app) cmdStat(ctx context.Context, actor vfs.Actor, args []string) error {
	sels, err := selectors(args, 1)
	if err != nil {
		return err
	}
	st, err := a.svc.Stat(ctx, actor, sels[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Path:\t%s\n", st.Path)
	fmt.Fprintf(w, "UID:\t%s\n", st.UID)
	fmt.Fprintf(w, "Type:\t%s\n", st.Type)
	fmt.Fprintf(w, "Size:\t%s\n", formatSize(st.Size))
	fmt.Fprintf(w, "Owner:\t%d\n", st.OwnerID)
	fmt.Fprintf(w, "Immutable:\t%t\n", st.Immutable)
	if st.ContentType != "" {
		fmt.Fprintf(w, "Content type:\t%s\n", st.ContentType)
	}
	if st.Checksum != "" {
		fmt.Fprintf(w, "Checksum:\t%s\n", st.Checksum)
	}
	fmt.Fprintf(w, "Modified:\t%s\n", formatTime(st.Mtime))
	return w.Flush()
}

func (a *app) cmdLs(ctx context.Context, actor vfs.Actor, args []string) error {
	if len(args) == 0 {
		args = []string{"/"}
	}
	sels, err := selectors(args, 1)
	if err != nil {
		return err
	}
	entries, err := a.svc.Readdir(ctx, actor, sels[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSIZE\tOWNER\tMODIFIED")
	for _, e := range entries {
		name := e.Name
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", name, e.Type, formatSize(e.Size), e.OwnerID, formatTime(e.Mtime))
	}
	return w.Flush()
}

func (a *app) cmdMkdir(ctx context.Context, actor vfs.Actor, args []string) error {
	sels, err := selectors(args, 1)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return usagef("mkdir: missing directory name")
	}
	st, err := a.svc.Mkdir(ctx, actor, sels[0], args[1])
	if err != nil {
		return err
	}
	fmt.Println(st.Path)
	return nil
}

func (a *app) cmdWrite(ctx context.Context, actor vfs.Actor, args []string) error {
	var opts llop.WriteOptions
	flags := pflag.NewFlagSet("write", pflag.ContinueOnError)
	flags.BoolVar(&opts.Overwrite, "overwrite", false, "replace an existing file")
	flags.BoolVar(&opts.Immutable, "immutable", false, "mark the new file immutable")
	if err := flags.Parse(args); err != nil {
		return usagef("write: %v", err)
	}
	sels, err := selectors(flags.Args(), 1)
	if err != nil {
		return err
	}

	var src io.Reader = os.Stdin
	if flags.NArg() > 1 {
		f, err := os.Open(flags.Arg(1))
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	st, err := a.svc.Write(ctx, actor, sels[0], data, opts)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%s\n", st.Path, formatSize(st.Size), st.Checksum)
	return nil
}

func (a *app) cmdCat(ctx context.Context, actor vfs.Actor, args []string) error {
	sels, err := selectors(args, 1)
	if err != nil {
		return err
	}
	data, err := a.svc.ReadFile(ctx, actor, sels[0])
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func (a *app) cmdTransfer(ctx context.Context, actor vfs.Actor, cmd string, args []string) error {
	var overwrite bool
	flags := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flags.BoolVar(&overwrite, "overwrite", false, "replace an existing destination")
	if err := flags.Parse(args); err != nil {
		return usagef("%s: %v", cmd, err)
	}
	sels, err := selectors(flags.Args(), 2)
	if err != nil {
		return err
	}
	if flags.NArg() < 3 {
		return usagef("%s: missing destination name", cmd)
	}
	name := flags.Arg(2)

	var st *vfs.StatResult
	if cmd == "cp" {
		st, err = a.svc.Copy(ctx, actor, sels[0], sels[1], name, llop.CopyOptions{Overwrite: overwrite})
	} else {
		st, err = a.svc.Move(ctx, actor, sels[0], sels[1], name, llop.MoveOptions{Overwrite: overwrite})
	}
	if err != nil {
		return err
	}
	if st != nil {
		fmt.Println(st.Path)
	}
	return nil
}

func (a *app) cmdRm(ctx context.Context, actor vfs.Actor, args []string) error {
	var opts llop.RemoveOptions
	flags := pflag.NewFlagSet("rm", pflag.ContinueOnError)
	flags.BoolVarP(&opts.Recursive, "recursive", "r", false, "remove directories and their contents")
	if err := flags.Parse(args); err != nil {
		return usagef("rm: %v", err)
	}
	sels, err := selectors(flags.Args(), 1)
	if err != nil {
		return err
	}
	return a.svc.Remove(ctx, actor, sels[0], opts)
}

func (a *app) cmdCacheStats() {
	if a.cache == nil {
		fmt.Println("Content cache is disabled (set CLOUDFS_CACHE_DIR)")
		return
	}
	s := a.svc.CacheStats()

	fmt.Println("Cache Statistics")
	fmt.Println("----------------")
	fmt.Printf("Entries:      %d (%d pending, %d pinned)\n", s.Entries, s.Pending, s.Pinned)
	fmt.Printf("Precache:     %d files, %s of %s\n", s.Precache, formatSize(s.PrecacheBytes), formatSize(s.PrecacheLimit))
	fmt.Printf("Disk:         %d files, %s of %s\n", s.Disk, formatSize(s.DiskBytes), formatSize(s.DiskLimit))

	entries := a.svc.CacheEntries()
	if len(entries) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tPHASE\tSIZE\tHITS\tSCORE\tAGE\tPINNED")
	for _, e := range entries {
		pinned := ""
		if e.Pinned {
			pinned = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.4f\t%s\t%s\n",
			e.Key, e.Phase, formatSize(e.Size), e.AccessCount, e.Score, e.Age.Truncate(time.Millisecond), pinned)
	}
	w.Flush()
}

func (a *app) cmdMounts() {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tBACKEND\tOBJECTS")
	for _, m := range a.svc.Mounts() {
		objects := "inline"
		if o := vfs.ObjectsOf(m.Backend); o != nil {
			objects = o.Type()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.Path, m.Backend.Name(), objects)
	}
	w.Flush()
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}
