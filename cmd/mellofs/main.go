package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/melloos/mellofs"
	"github.com/melloos/mellofs/blocks"
	superblockV0 "github.com/melloos/mellofs/blocks/superblock/v0"
	"github.com/melloos/mellofs/cache"
	"github.com/melloos/mellofs/metrics"
	"github.com/melloos/mellofs/persistence"
	"github.com/melloos/mellofs/pkg/filedev"
	"github.com/melloos/mellofs/recovery"
)

const verifyCacheSize = 64 * 1024 * 1024

// mkfsProfile is the YAML form of the mkfs parameters, an alternative to
// spelling them out as flags.
type mkfsProfile struct {
	Label string `yaml:"label"`
	Size  int64  `yaml:"size"`
	Force bool   `yaml:"force"`
}

func main() {
	app := cli.App{
		Name:  "mellofs",
		Usage: "manage mellofs filesystem images",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log at debug level",
			},
		},
		Commands: []*cli.Command{{
			Name:      "mkfs",
			Usage:     "initialize a filesystem on an image file",
			ArgsUsage: "<image>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "label",
					Usage: "filesystem label, at most 31 bytes",
				},
				&cli.Int64Flag{
					Name:  "size",
					Usage: "image size in bytes, grows the file when it is smaller",
				},
				&cli.BoolFlag{
					Name:  "force",
					Usage: "initialize even if the image already holds a filesystem",
				},
				&cli.StringFlag{
					Name:  "profile",
					Usage: "YAML file with label, size and force; flags win over it",
				},
			},
			Action: mkfsAction,
		}, {
			Name:      "stat",
			Usage:     "print the superblock of an image",
			ArgsUsage: "<image>",
			Action: withDev(func(dev *filedev.FileDev, ctx *cli.Context) error {
				_, sb, err := persistence.OpenStore(dev)
				if err != nil {
					return err
				}
				printSuperblock(sb)
				return nil
			}),
		}, {
			Name:      "verify",
			Usage:     "walk the committed tree and check it against the space index",
			ArgsUsage: "<image>",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "deep",
					Usage: "also read every extent and verify its checksum",
				},
			},
			Action: withDev(verifyAction),
		}, {
			Name:      "recover",
			Usage:     "run crash recovery on a dirty image",
			ArgsUsage: "<image>",
			Action:    withDev(recoverAction),
		}, {
			Name:      "dump",
			Usage:     "list every item of the committed tree",
			ArgsUsage: "<image>",
			Action:    withDev(dumpAction),
		}},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func logger(ctx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if ctx.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withDev(f func(dev *filedev.FileDev, ctx *cli.Context) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one image path")
		}
		file, err := os.OpenFile(ctx.Args().First(), os.O_RDWR, 0)
		if err != nil {
			return err
		}
		dev := filedev.New(file)
		defer dev.Close()
		return f(dev, ctx)
	}
}

func mkfsAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one image path")
	}

	profile := mkfsProfile{}
	if path := ctx.String("profile"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(raw, &profile); err != nil {
			return fmt.Errorf("parsing profile %s: %w", path, err)
		}
	}
	if ctx.IsSet("label") {
		profile.Label = ctx.String("label")
	}
	if ctx.IsSet("size") {
		profile.Size = ctx.Int64("size")
	}
	if ctx.IsSet("force") {
		profile.Force = ctx.Bool("force")
	}

	file, err := os.OpenFile(ctx.Args().First(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if profile.Size > 0 {
		info, err := file.Stat()
		if err != nil {
			return err
		}
		if info.Size() < profile.Size {
			if err := file.Truncate(profile.Size); err != nil {
				return err
			}
		}
	}

	dev := filedev.New(file)
	defer dev.Close()
	if err := persistence.Initialize(dev, profile.Label, profile.Force); err != nil {
		return err
	}

	_, sb, err := persistence.OpenStore(dev)
	if err != nil {
		return err
	}
	logger(ctx).Info("filesystem initialized",
		"image", ctx.Args().First(),
		"label", profile.Label,
		"total_blocks", sb.TotalBlocks,
		"free_blocks", sb.FreeBlocks)
	return nil
}

func verifyAction(dev *filedev.FileDev, ctx *cli.Context) error {
	store, sb, err := persistence.OpenStore(dev)
	if err != nil {
		return err
	}
	m := metrics.New(nil)
	c := cache.New(store, verifyCacheSize, m)

	stats, err := recovery.Verify(store, c, m, sb, ctx.Bool("deep"))
	if err != nil {
		return err
	}

	fmt.Printf("tree blocks:  %d\n", stats.TreeBlocks)
	fmt.Printf("data blocks:  %d\n", stats.DataBlocks)
	fmt.Printf("directories:  %d\n", stats.Dirs)
	fmt.Printf("inodes:       %d\n", stats.Inodes)
	fmt.Printf("extents:      %d\n", stats.Extents)
	fmt.Printf("xattrs:       %d\n", stats.Xattrs)
	fmt.Printf("free blocks:  %d\n", stats.FreeBlocks)
	if !stats.FreeMatches {
		return fmt.Errorf("free space index does not match the committed tree, run recover")
	}
	fmt.Println("free space index matches the committed tree")
	return nil
}

func recoverAction(dev *filedev.FileDev, ctx *cli.Context) error {
	store, sb, err := persistence.OpenStore(dev)
	if err != nil {
		return err
	}
	if sb.State == superblockV0.StateClean {
		fmt.Println("filesystem is clean, nothing to recover")
		return nil
	}

	m := metrics.New(nil)
	c := cache.New(store, verifyCacheSize, m)
	newSB, _, err := recovery.Recover(store, c, m, logger(ctx), sb)
	if err != nil {
		return err
	}
	printSuperblock(newSB)
	return nil
}

func printSuperblock(sb superblockV0.Block) {
	state := "dirty"
	if sb.State == superblockV0.StateClean {
		state = "clean"
	}
	fmt.Printf("type:         %s\n", mellofs.FsTypeName)
	fmt.Printf("label:        %s\n", labelString(sb))
	fmt.Printf("fsid:         %x-%x-%x-%x-%x\n", sb.FSID[0:4], sb.FSID[4:6], sb.FSID[6:8], sb.FSID[8:10], sb.FSID[10:16])
	fmt.Printf("state:        %s\n", state)
	fmt.Printf("txg:          %d\n", sb.TxgID)
	fmt.Printf("block size:   %d\n", blocks.BlockSize)
	fmt.Printf("total blocks: %d\n", sb.TotalBlocks)
	fmt.Printf("free blocks:  %d\n", sb.FreeBlocks)
	fmt.Printf("inodes:       %d\n", sb.InodeCount)
	fmt.Printf("features:     %s\n", mellofs.AllFeatures)
}

func labelString(sb superblockV0.Block) string {
	label := sb.Label[:]
	for i, b := range label {
		if b == 0 {
			return string(label[:i])
		}
	}
	return string(label)
}
