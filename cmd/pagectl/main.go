// Command pagectl inspects and exercises page files managed by filebackend.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/NebulousLabs/fastrand"
	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/NebulousLabs/filebackend"
)

// CLI defines the command-line interface for pagectl.
var CLI struct {
	LogLevel  string `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level"`
	LogFormat string `name:"log-format" default:"text" enum:"text,json" help:"Log output format"`
	BlockSize uint64 `name:"block-size" help:"Allocation granularity in bytes (0 uses the file system's)"`

	Stats StatsCmd `cmd:"" help:"Print allocator and mapping statistics"`
	Alloc AllocCmd `cmd:"" help:"Allocate pages and print where they live"`
	Read  ReadCmd  `cmd:"" help:"Map an existing page and print its digest"`
}

// StatsCmd prints the state of a page file right after opening it.
type StatsCmd struct {
	Path string `arg:"" help:"Page file" type:"existingfile"`
}

func (c *StatsCmd) Run(logger *slog.Logger) error {
	pm, err := open(c.Path, logger)
	if err != nil {
		return err
	}
	defer pm.Close()

	printStats(pm.Stats())
	return nil
}

// AllocCmd allocates pages in a page file.
type AllocCmd struct {
	Path  string `arg:"" help:"Page file, created if missing" type:"path"`
	Size  uint64 `required:"" help:"Minimum page size in bytes"`
	Count int    `default:"1" help:"Number of pages to allocate"`
	Fill  bool   `help:"Fill the pages with random data"`
}

func (c *AllocCmd) Run(logger *slog.Logger) error {
	pm, err := open(c.Path, logger)
	if err != nil {
		return err
	}
	defer pm.Close()

	for i := 0; i < c.Count; i++ {
		ref, err := pm.AllocPage(c.Size)
		if err != nil {
			return fmt.Errorf("failed to allocate page %d: %w", i, err)
		}
		if c.Fill {
			fastrand.Read(ref.Bytes())
		}
		printPage(ref)
		if err := ref.Close(); err != nil {
			return err
		}
	}
	if err := pm.Sync(); err != nil {
		return err
	}
	printStats(pm.Stats())
	return nil
}

// ReadCmd maps an existing page.
type ReadCmd struct {
	Path   string `arg:"" help:"Page file" type:"existingfile"`
	Offset uint64 `required:"" help:"Offset of the page"`
	Size   uint64 `required:"" help:"Size of the page"`
}

func (c *ReadCmd) Run(logger *slog.Logger) error {
	pm, err := open(c.Path, logger)
	if err != nil {
		return err
	}
	defer pm.Close()

	ref, err := pm.GetPage(c.Offset, c.Size)
	if err != nil {
		return err
	}
	defer ref.Close()
	printPage(ref)
	return nil
}

func open(path string, logger *slog.Logger) (*filebackend.MmapPageManager, error) {
	return filebackend.Open(path, filebackend.Options{
		BlockSize: CLI.BlockSize,
		Logger:    logger,
	})
}

func printPage(ref *filebackend.PageRef) {
	sum := blake3.Sum256(ref.Bytes())
	page := ref.Page()
	fmt.Printf("offset=%d size=%d (%s) blake3=%s\n",
		page.Offset, page.Size, humanize.IBytes(page.Size), hex.EncodeToString(sum[:]))
}

func printStats(stats filebackend.Stats) {
	fmt.Printf("end:           %s (%d)\n", humanize.IBytes(stats.EndPos), stats.EndPos)
	fmt.Printf("block size:    %s\n", humanize.IBytes(stats.BlockSize))
	fmt.Printf("free pages:    %d (%s)\n", stats.FreePages, humanize.IBytes(stats.FreeBytes))
	fmt.Printf("mapping:       %s\n", humanize.IBytes(stats.MappingSize))
	fmt.Printf("live mappings: %d\n", stats.LiveMappings)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("pagectl"),
		kong.Description("Inspect and exercise memory mapped page files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(newLogger(CLI.LogLevel, CLI.LogFormat))
	ctx.FatalIfErrorf(err)
}
