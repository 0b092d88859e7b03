// kernctl is an interactive shell over a buffer cache and a physical
// page allocator, the operator console this module is otherwise only
// a library for. It follows calvinalkan-agent-task's sloty CLI shape: pflag for
// startup flags, a liner-backed REPL with tab completion and history,
// one cmd* method per verb.
//
// Usage:
//
//	kernctl [--config kernctl.jsonc] [--init-config] [flags...]
//
// Commands (in REPL):
//
//	read <device> <block>          Read a block, returns a lease id
//	write <lease> <hex>            Write hex bytes into a held lease, flush to disk
//	release <lease>                Release a lease
//	pin <lease> / unpin <lease>    Pin/unpin without touching the content lock
//	cachestats                     Show buffer cache counters
//	alloc                          Allocate a page, returns a page id
//	free <page>                    Free a page
//	allocstats                     Show allocator counters
//	help                           Show this help
//	exit / quit / q                Exit
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"microkern/buffercache"
	"microkern/diskio"
	"microkern/kernconfig"
	"microkern/obs"
	"microkern/pagealloc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("kernctl", flag.ExitOnError)
	configPath := fs.String("config", "kernctl.jsonc", "path to the JSONC config file")
	initConfig := fs.Bool("init-config", false, "write the default config to --config and exit")
	kernconfig.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *initConfig {
		return kernconfig.Save(kernconfig.Default(), *configPath)
	}

	cfg, err := kernconfig.Load(*configPath)
	if err != nil {
		return err
	}
	cfg = kernconfig.ApplyFlags(cfg, fs)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("kernctl: %w", err)
	}
	obs.SetLevel(level)

	if cfg.JaegerEndpoint != "" {
		shutdown, err := setupTracing(cfg.JaegerEndpoint)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	disk, err := diskio.NewFileDisk(cfg.DiskDir, cfg.BlockSize)
	if err != nil {
		return err
	}
	defer disk.Close()

	cache, err := buffercache.New(cfg.NBuf, cfg.NBuckets, cfg.BlockSize, disk)
	if err != nil {
		return err
	}

	alloc := pagealloc.New(cfg.NCPU, cfg.PageSize, cfg.StealBatch)
	alloc.Initialize(cfg.NCPU * 64)

	repl := &REPL{
		cache:  cache,
		alloc:  alloc,
		leases: make(map[int]*buffercache.Lease),
		pages:  make(map[int]pagealloc.Addr),
	}
	return repl.Run()
}

func setupTracing(endpoint string) (func(), error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, fmt.Errorf("kernctl: create jaeger exporter: %w", err)
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("microkern")),
	)
	if err != nil {
		return nil, fmt.Errorf("kernctl: build resource: %w", err)
	}
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
	obs.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(context.Background()) }, nil
}

// REPL is the interactive command loop, structured after
// calvinalkan-agent-task's sloty REPL: a liner.State for input, one cmd* method per verb,
// integer handles standing in for the pointers a real shell can't type.
type REPL struct {
	cache *buffercache.Cache
	alloc *pagealloc.Allocator

	leases      map[int]*buffercache.Lease
	nextLeaseID int
	pages       map[int]pagealloc.Addr
	nextPageID  int

	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".kernctl_history")
}

func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()
	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("kernctl - buffer cache and page allocator console")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("kernctl> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "read":
			r.cmdRead(args)
		case "write":
			r.cmdWrite(args)
		case "release":
			r.cmdRelease(args)
		case "pin":
			r.cmdPin(args)
		case "unpin":
			r.cmdUnpin(args)
		case "cachestats":
			r.cmdCacheStats()
		case "alloc":
			r.cmdAlloc()
		case "free":
			r.cmdFree(args)
		case "allocstats":
			r.cmdAllocStats()
		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"read", "write", "release", "pin", "unpin",
		"cachestats", "alloc", "free", "allocstats",
		"help", "exit", "quit", "q",
	}
	lower := strings.ToLower(line)
	var out []string
	for _, c := range commands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}
	return out
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  read <device> <block>       Read a block, returns a lease id")
	fmt.Println("  write <lease> <hex>         Write hex bytes into a held lease, flush to disk")
	fmt.Println("  release <lease>             Release a lease")
	fmt.Println("  pin <lease> / unpin <lease> Pin/unpin without touching the content lock")
	fmt.Println("  cachestats                  Show buffer cache counters")
	fmt.Println("  alloc                       Allocate a page, returns a page id")
	fmt.Println("  free <page>                 Free a page")
	fmt.Println("  allocstats                  Show allocator counters")
	fmt.Println("  help                        Show this help")
	fmt.Println("  exit / quit / q             Exit")
}

func (r *REPL) cmdRead(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: read <device> <block>")
		return
	}
	dev, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		fmt.Printf("bad device: %v\n", err)
		return
	}
	block, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		fmt.Printf("bad block: %v\n", err)
		return
	}
	lease, err := r.cache.ReadBlock(context.Background(), uint32(dev), uint32(block))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	id := r.nextLeaseID
	r.nextLeaseID++
	r.leases[id] = lease
	fmt.Printf("OK: lease %d (%d bytes)\n", id, len(lease.Data()))
	fmt.Println(hex.EncodeToString(lease.Data()))
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: write <lease> <hex>")
		return
	}
	lease, ok := r.leaseByArg(args[0])
	if !ok {
		return
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Printf("bad hex: %v\n", err)
		return
	}
	n := copy(lease.Data(), data)
	if n < len(lease.Data()) {
		for i := n; i < len(lease.Data()); i++ {
			lease.Data()[i] = 0
		}
	}
	if err := r.cache.WriteBlock(context.Background(), lease); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("OK: written")
}

func (r *REPL) cmdRelease(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: release <lease>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("bad lease id: %v\n", err)
		return
	}
	lease, ok := r.leases[id]
	if !ok {
		fmt.Println("no such lease")
		return
	}
	r.cache.Release(lease)
	delete(r.leases, id)
	fmt.Println("OK: released")
}

func (r *REPL) cmdPin(args []string) {
	lease, ok := r.leaseByArg(firstOr(args, ""))
	if !ok {
		return
	}
	r.cache.Pin(lease)
	fmt.Println("OK: pinned")
}

func (r *REPL) cmdUnpin(args []string) {
	lease, ok := r.leaseByArg(firstOr(args, ""))
	if !ok {
		return
	}
	r.cache.Unpin(lease)
	fmt.Println("OK: unpinned")
}

func (r *REPL) leaseByArg(arg string) (*buffercache.Lease, bool) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("Usage: <cmd> <lease>")
		return nil, false
	}
	lease, ok := r.leases[id]
	if !ok {
		fmt.Println("no such lease")
		return nil, false
	}
	return lease, true
}

func (r *REPL) cmdCacheStats() {
	s := r.cache.Stats()
	fmt.Printf("hits=%d misses=%d evictions=%d migrations=%d\n", s.Hits, s.Misses, s.Evictions, s.Migrations)
}

func (r *REPL) cmdAlloc() {
	addr, err := r.alloc.Alloc(context.Background())
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	id := r.nextPageID
	r.nextPageID++
	r.pages[id] = addr
	fmt.Printf("OK: page %d (addr id %d, %d bytes)\n", id, addr.ID(), len(addr.Bytes()))
}

func (r *REPL) cmdFree(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: free <page>")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Printf("bad page id: %v\n", err)
		return
	}
	addr, ok := r.pages[id]
	if !ok {
		fmt.Println("no such page")
		return
	}
	r.alloc.Free(context.Background(), addr)
	delete(r.pages, id)
	fmt.Println("OK: freed")
}

func (r *REPL) cmdAllocStats() {
	s := r.alloc.Stats()
	fmt.Printf("allocs=%d frees=%d steals=%d stolen_pages=%d exhausted=%d\n",
		s.Allocs, s.Frees, s.Steals, s.StolenPages, s.Exhausted)
}

func firstOr(args []string, def string) string {
	if len(args) > 0 {
		return args[0]
	}
	return def
}
