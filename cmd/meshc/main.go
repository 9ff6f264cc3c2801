package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"golang.org/x/time/rate"

	"github.com/sablewood/mediamesh/bytecache"
	"github.com/sablewood/mediamesh/config"
	"github.com/sablewood/mediamesh/mediacache"
	"github.com/sablewood/mediamesh/models"
	"github.com/sablewood/mediamesh/orchestrator"
	"github.com/sablewood/mediamesh/probe"
	"github.com/sablewood/mediamesh/relay"
	"github.com/sablewood/mediamesh/serverlist"
	"github.com/sablewood/mediamesh/signer"
	"github.com/sablewood/mediamesh/store"
)

var (
	logger     *slog.Logger
	configPath string
	verbose    bool
	refresh    bool
)

func init() {
	flag.StringVar(&configPath, "config", "mediamesh.yaml", "Path to the configuration file")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&refresh, "refresh", false, "Bypass the media cache for listing commands")
}

// app bundles every long-lived component behind the subcommands.
type app struct {
	cfg    *config.Config
	signer signer.Signer
	lists  *serverlist.Store
	orch   *orchestrator.Orchestrator
	probe  *probe.Probe
	media  *mediacache.Cache
	bytes  *bytecache.Cache
}

func main() {
	flag.Parse()

	level := charmlog.InfoLevel
	if verbose {
		level = charmlog.DebugLevel
	}
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	logger = slog.New(handler)

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]
	cmdArgs := args[1:]

	if command == "keygen" {
		handleKeygen(cmdArgs)
		return
	}

	a, cleanup, err := buildApp()
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx := context.Background()

	switch command {
	case "whoami":
		fmt.Println(a.signer.PublicKey())
	case "servers":
		handleServers(ctx, a, cmdArgs)
	case "ls":
		handleList(ctx, a, cmdArgs)
	case "put":
		handlePut(ctx, a, cmdArgs)
	case "rm":
		handleRemove(ctx, a, cmdArgs)
	case "mirror":
		handleMirror(ctx, a, cmdArgs)
	case "check":
		handleCheck(ctx, a, cmdArgs)
	default:
		logger.Error("Unknown command", "command", command)
		printUsage()
		os.Exit(1)
	}
}

func buildApp() (*app, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	encrypted, err := os.ReadFile(cfg.Identity.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read identity key %s (run 'meshc keygen' first): %w", cfg.Identity.KeyFile, err)
	}
	keySigner, err := signer.KeySignerFromEncrypted([]byte(cfg.Identity.Secret), encrypted)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot unlock identity key: %w", err)
	}

	relays := relay.New(&relay.Config{
		Logger:     logger.WithGroup("relay"),
		Timeout:    cfg.Timeouts.Discovery,
		SkipVerify: cfg.SkipVerify,
	})
	lists := serverlist.New(&serverlist.Config{
		Discovery:     relays,
		Signer:        keySigner,
		DefaultRelays: cfg.Relays,
		PublishRelays: cfg.PublishRelays,
		Logger:        logger.WithGroup("serverlist"),
	})

	clients := store.NewFactory(&store.FactoryConfig{
		Signer:     keySigner,
		Timeout:    cfg.Timeouts.Request,
		Limit:      rate.Limit(cfg.RateLimiter.Limit),
		Burst:      cfg.RateLimiter.Burst,
		SkipVerify: cfg.SkipVerify,
		Logger:     logger.WithGroup("store"),
	})

	bytes, err := bytecache.Open(&bytecache.Config{
		Directory: cfg.Cache.BytesDir,
		TTL:       cfg.Cache.BytesTTL,
		Logger:    logger.WithGroup("bytecache"),
	})
	if err != nil {
		return nil, nil, err
	}

	orch := orchestrator.New(&orchestrator.Config{
		Clients: clients,
		Bytes:   bytes,
		Logger:  logger.WithGroup("orchestrator"),
	})
	prb := probe.New(&probe.Config{
		Clients: clients,
		TTL:     cfg.Cache.ProbeTTL,
		Timeout: cfg.Timeouts.Request,
		Logger:  logger.WithGroup("probe"),
	})
	media := mediacache.New(&mediacache.Config{
		Lister: orch,
		TTL:    cfg.Cache.MediaTTL,
		Logger: logger.WithGroup("mediacache"),
	})

	a := &app{
		cfg:    cfg,
		signer: keySigner,
		lists:  lists,
		orch:   orch,
		probe:  prb,
		media:  media,
		bytes:  bytes,
	}
	cleanup := func() {
		a.orch.Wait()
		a.probe.Stop()
		if err := a.bytes.Close(); err != nil {
			logger.Warn("Failed to close byte cache", "error", err)
		}
	}
	return a, cleanup, nil
}

func handleKeygen(args []string) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if _, err := os.Stat(cfg.Identity.KeyFile); err == nil {
		logger.Error("Identity key already exists, refusing to overwrite", "path", cfg.Identity.KeyFile)
		os.Exit(1)
	}

	keySigner, err := signer.NewKeySigner()
	if err != nil {
		logger.Error("Failed to generate key", "error", err)
		os.Exit(1)
	}
	encrypted, err := keySigner.Export([]byte(cfg.Identity.Secret))
	if err != nil {
		logger.Error("Failed to encrypt key", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Identity.KeyFile), 0700); err != nil {
		logger.Error("Failed to create key directory", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(cfg.Identity.KeyFile, encrypted, 0600); err != nil {
		logger.Error("Failed to write key file", "error", err)
		os.Exit(1)
	}

	color.Green("identity created: %s", keySigner.PublicKey())
	fmt.Printf("key file: %s\n", cfg.Identity.KeyFile)
}

// resolveList fetches the caller's own server list unless an explicit owner
// was given.
func resolveList(ctx context.Context, a *app, owner string) (*models.ServerList, error) {
	if owner == "" {
		owner = a.signer.PublicKey()
	}
	return a.lists.Resolve(ctx, owner)
}

func handleServers(ctx context.Context, a *app, args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: meshc servers <resolve|add|remove|reorder|publish-targets> [args...]")
		os.Exit(1)
	}
	sub := args[0]
	subArgs := args[1:]

	switch sub {
	case "resolve":
		owner := ""
		if len(subArgs) > 0 {
			owner = subArgs[0]
		}
		list, err := resolveList(ctx, a, owner)
		if err != nil {
			logger.Error("Failed to resolve server list", "error", err)
			os.Exit(1)
		}
		printServerList(list)

	case "add":
		if len(subArgs) != 1 {
			fmt.Println("Usage: meshc servers add <url>")
			os.Exit(1)
		}
		list, err := resolveList(ctx, a, "")
		if err != nil {
			// A missing list is fine here: adding the first server
			// creates it.
			list = &models.ServerList{Owner: a.signer.PublicKey()}
		}
		next, err := a.lists.Add(ctx, list, subArgs[0])
		if err != nil {
			logger.Error("Failed to add server", "error", err)
			os.Exit(1)
		}
		color.Green("server added")
		printServerList(next)

	case "remove":
		if len(subArgs) != 1 {
			fmt.Println("Usage: meshc servers remove <url>")
			os.Exit(1)
		}
		list, err := resolveList(ctx, a, "")
		if err != nil {
			logger.Error("Failed to resolve server list", "error", err)
			os.Exit(1)
		}
		next, err := a.lists.Remove(ctx, list, subArgs[0])
		if err != nil {
			logger.Error("Failed to remove server", "error", err)
			os.Exit(1)
		}
		color.Green("server removed")
		printServerList(next)

	case "reorder":
		if len(subArgs) < 1 {
			fmt.Println("Usage: meshc servers reorder <url> [url...]")
			os.Exit(1)
		}
		list, err := resolveList(ctx, a, "")
		if err != nil {
			logger.Error("Failed to resolve server list", "error", err)
			os.Exit(1)
		}
		next, err := a.lists.Reorder(ctx, list, subArgs)
		if err != nil {
			logger.Error("Failed to reorder servers", "error", err)
			os.Exit(1)
		}
		color.Green("servers reordered")
		printServerList(next)

	case "publish-targets":
		if len(subArgs) < 1 {
			fmt.Println("Usage: meshc servers publish-targets <relay> [relay...]")
			os.Exit(1)
		}
		a.lists.SetPublishTargets(subArgs)
		color.Green("publish targets set (%d relays, this process only)", len(subArgs))

	default:
		fmt.Printf("Unknown servers subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func printServerList(list *models.ServerList) {
	if len(list.Servers) == 0 {
		color.Yellow("server list is empty")
		return
	}
	for i, server := range list.Servers {
		marker := "  "
		if i == 0 {
			marker = color.CyanString("* ")
		}
		fmt.Printf("%s%d. %s\n", marker, i+1, server)
	}
}

func handleList(ctx context.Context, a *app, args []string) {
	owner := ""
	if len(args) > 0 {
		owner = args[0]
	}
	list, err := resolveList(ctx, a, owner)
	if err != nil {
		logger.Error("Failed to resolve server list", "error", err)
		os.Exit(1)
	}

	entry, err := a.media.Fetch(ctx, list, refresh)
	if entry == nil {
		logger.Error("Failed to list media", "error", err)
		os.Exit(1)
	}
	if err != nil {
		color.Yellow("showing stale view, refresh failed: %v", err)
	}
	if entry.Partial {
		color.Yellow("partial view: at least one server was unreachable")
	}

	hashes := make([]models.ContentHash, 0, len(entry.Blobs))
	for hash := range entry.Blobs {
		hashes = append(hashes, hash)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return entry.Blobs[hashes[i]].Uploaded.After(entry.Blobs[hashes[j]].Uploaded)
	})

	for _, hash := range hashes {
		blob := entry.Blobs[hash]
		copies := 0
		for _, presence := range blob.Availability {
			if presence.Present {
				copies++
			}
		}
		fmt.Printf("%s  %8d bytes  %d/%d copies  %s\n",
			hash, blob.Size, copies, len(list.Servers), blob.Type)
	}
	fmt.Printf("%d blobs\n", len(hashes))
}

func handlePut(ctx context.Context, a *app, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: meshc put <file>")
		os.Exit(1)
	}
	path := args[0]

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("Failed to read file", "path", path, "error", err)
		os.Exit(1)
	}
	list, err := resolveList(ctx, a, "")
	if err != nil {
		logger.Error("Failed to resolve server list", "error", err)
		os.Exit(1)
	}

	contentType := http.DetectContentType(data)
	start := time.Now()
	blob, err := a.orch.Upload(ctx, data, contentType, filepath.Base(path), list)
	if err != nil {
		logger.Error("Upload failed", "error", err)
		os.Exit(1)
	}

	// Replication runs detached; wait here so the process does not exit
	// under it.
	a.orch.Wait()

	color.Green("uploaded %s in %s", blob.Hash, time.Since(start).Round(time.Millisecond))
}

func handleRemove(ctx context.Context, a *app, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: meshc rm <hash>")
		os.Exit(1)
	}
	hash := models.ContentHash(strings.ToLower(args[0]))
	if !hash.Valid() {
		logger.Error("Not a valid content hash", "hash", args[0])
		os.Exit(1)
	}

	list, err := resolveList(ctx, a, "")
	if err != nil {
		logger.Error("Failed to resolve server list", "error", err)
		os.Exit(1)
	}
	if err := a.orch.DeleteWithFallback(ctx, hash, list); err != nil {
		logger.Error("Delete failed everywhere", "error", err)
		os.Exit(1)
	}
	a.media.RemoveMedia(hash)
	color.Green("deleted %s", hash)
}

func handleMirror(ctx context.Context, a *app, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: meshc mirror <hash>")
		os.Exit(1)
	}
	hash := models.ContentHash(strings.ToLower(args[0]))
	if !hash.Valid() {
		logger.Error("Not a valid content hash", "hash", args[0])
		os.Exit(1)
	}

	list, err := resolveList(ctx, a, "")
	if err != nil {
		logger.Error("Failed to resolve server list", "error", err)
		os.Exit(1)
	}

	source, targets := a.probe.MirrorCandidates(ctx, hash, list)
	if source == "" {
		logger.Error("No server holds this blob, nothing to mirror from", "hash", hash)
		os.Exit(1)
	}
	if len(targets) == 0 {
		color.Green("fully replicated already")
		return
	}

	results, err := a.orch.Mirror(ctx, hash, source, targets)
	if err != nil {
		logger.Error("Mirror failed", "error", err)
		os.Exit(1)
	}
	for _, result := range results {
		switch {
		case result.Err != nil:
			color.Red("  %s: %v", result.Server, result.Err)
		case result.AlreadyPresent:
			fmt.Printf("  %s: already present\n", result.Server)
		default:
			color.Green("  %s: mirrored", result.Server)
		}
	}
}

func handleCheck(ctx context.Context, a *app, args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: meshc check <hash>")
		os.Exit(1)
	}
	hash := models.ContentHash(strings.ToLower(args[0]))
	if !hash.Valid() {
		logger.Error("Not a valid content hash", "hash", args[0])
		os.Exit(1)
	}

	list, err := resolveList(ctx, a, "")
	if err != nil {
		logger.Error("Failed to resolve server list", "error", err)
		os.Exit(1)
	}

	statuses := a.probe.Check(ctx, hash, list.Servers)
	copies := 0
	for _, server := range list.Servers {
		status := statuses[server]
		switch status {
		case probe.StatusConfirmed:
			copies++
			color.Green("  %s: confirmed", server)
		case probe.StatusAbsent:
			color.Red("  %s: absent", server)
		default:
			color.Yellow("  %s: unknown", server)
		}
	}
	fmt.Printf("%d/%d copies\n", copies, len(list.Servers))
}

func printUsage() {
	fmt.Println(`meshc - redundant media across your own storage servers

Usage: meshc [flags] <command> [args...]

Commands:
  keygen                       Create the encrypted identity key
  whoami                       Print the public key
  servers resolve [owner]      Show a server list
  servers add <url>            Add a server (lowest priority)
  servers remove <url>         Remove a server
  servers reorder <url...>     Rewrite server priority order
  servers publish-targets <r>  Override relays receiving list updates
  ls [owner] [-refresh]        List media merged across servers
  put <file>                   Upload to primary, replicate to the rest
  rm <hash>                    Delete from the first server that accepts
  mirror <hash>                Copy a blob to servers missing it
  check <hash>                 Show which servers hold a blob

Flags:`)
	flag.PrintDefaults()
}
