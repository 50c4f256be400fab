package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/annel0/voxel-store/internal/config"
	"github.com/annel0/voxel-store/internal/logging"
	"github.com/annel0/voxel-store/internal/registry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Config file (YAML or TOML), VOXEL_CONFIG if empty")
		command    = flag.String("cmd", "info", "Command: info, chunks, sections, get, set, prune, generate, scan, serve")
		root       = flag.String("root", "", "Save directory, overrides save.root")
		readOnly   = flag.Bool("ro", false, "Open the save read-only")
		dim        = flag.String("dim", registry.Overworld.String(), "Dimension identifier")
		x          = flag.Int("x", 0, "Block X (chunk X for chunk commands)")
		y          = flag.Int("y", 0, "Block Y")
		z          = flag.Int("z", 0, "Block Z (chunk Z for chunk commands)")
		layer      = flag.Int("layer", 0, "Block layer")
		blockID    = flag.String("block", "", "Block identifier for set")
		meta       = flag.Int("meta", 0, "Block meta for set")
		radius     = flag.Int("radius", 0, "Chunk radius for generate")
	)
	flag.Parse()

	if err := logging.InitDefaultLogger("worldtool"); err != nil {
		log.Printf("⚠️ Не удалось открыть файл логов: %v", err)
	}
	defer logging.GetLoggerManager().CloseAll()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if *root != "" {
		cfg.Save.Root = *root
	}
	if *readOnly {
		cfg.Save.Access = "read-only"
	}
	if err := cfg.Logging.Apply(); err != nil {
		log.Fatalf("❌ Invalid log level: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = runCommand(ctx, os.Stdout, cfg, *command, Options{
		Dim:    *dim,
		X:      *x,
		Y:      *y,
		Z:      *z,
		Layer:  *layer,
		Block:  *blockID,
		Meta:   *meta,
		Radius: *radius,
	})
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}
