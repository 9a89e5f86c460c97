// Command nvkit operates on a file-backed emulated flash device through
// the mirror or fee driver.
//
// Usage:
//
//	nvkit <config.yaml> format
//	nvkit <config.yaml> info
//	nvkit <config.yaml> stats
//	nvkit <config.yaml> read <addr> <len>
//	nvkit <config.yaml> write <addr> <hexbytes>
//	nvkit <config.yaml> erase <addr> <len>
//	nvkit <config.yaml> compact
package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/nvkit/nvkit"
	"github.com/nvkit/nvkit/cachedev"
	"github.com/nvkit/nvkit/fee"
	"github.com/nvkit/nvkit/filedev"
	"github.com/nvkit/nvkit/mirror"
)

// driver is the surface shared by both drivers.
type driver interface {
	nvkit.Device
	Start() error
	Stop() error
	MassErase() error
}

func main() {
	if len(os.Args) < 3 {
		log.Fatal("usage: nvkit <config.yaml> <command> [args]")
	}

	cfg, err := loadConfig(os.Args[1])
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	cmd, args := os.Args[2], os.Args[3:]
	if err := run(cfg, logger, cmd, args); err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func run(cfg *config, logger *zap.Logger, cmd string, args []string) error {
	var fdev *filedev.Device
	var err error
	if cmd == "format" {
		fdev, err = filedev.Create(cfg.Image, cfg.Geometry)
	} else {
		fdev, err = filedev.Open(cfg.Image, cfg.Geometry)
	}
	if err != nil {
		return err
	}
	defer fdev.Close()

	var dev nvkit.Device = fdev
	if cfg.CacheSectors > 0 {
		cdev, err := cachedev.New(dev, cfg.CacheSectors)
		if err != nil {
			return err
		}
		dev = cdev
	}

	d, err := buildDriver(cfg, logger, dev)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	switch cmd {
	case "format":
		// Start already formatted an unrecognized image; MassErase
		// resets one that was recognized.
		if err := d.MassErase(); err != nil {
			return err
		}
		logger.Info("formatted", zap.String("image", cfg.Image))
		return nil

	case "info":
		info := d.Info()
		fmt.Printf("device:       %s\n", info.Identification)
		fmt.Printf("sector size:  %d\n", info.SectorSize)
		fmt.Printf("sector count: %d\n", info.SectorCount)
		fmt.Printf("write align:  %d\n", info.WriteAlign)
		return nil

	case "stats":
		return printStats(d)

	case "read":
		addr, n, err := parseAddrLen(args)
		if err != nil {
			return err
		}
		buf := make([]byte, n)
		if err := d.Read(addr, buf); err != nil {
			return err
		}
		fmt.Print(hex.Dump(buf))
		return nil

	case "write":
		if len(args) != 2 {
			return fmt.Errorf("usage: write <addr> <hexbytes>")
		}
		addr, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		data, err := hex.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("bad hex data: %w", err)
		}
		if err := d.Write(addr, data); err != nil {
			return err
		}
		return d.Sync()

	case "erase":
		addr, n, err := parseAddrLen(args)
		if err != nil {
			return err
		}
		if err := d.Erase(addr, n); err != nil {
			return err
		}
		return d.Sync()

	case "compact":
		f, ok := d.(*fee.Driver)
		if !ok {
			return fmt.Errorf("compact needs the fee driver")
		}
		if err := f.Compact(); err != nil {
			return err
		}
		return printStats(d)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func buildDriver(cfg *config, logger *zap.Logger, dev nvkit.Device) (driver, error) {
	switch cfg.Driver {
	case "mirror":
		return mirror.New(mirror.Config{
			Device:        dev,
			HeaderSectors: cfg.Mirror.HeaderSectors,
			Logger:        logger,
		})
	case "fee":
		return fee.New(fee.Config{
			Device: dev,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

func printStats(d driver) error {
	switch d := d.(type) {
	case *fee.Driver:
		st := d.Stats()
		fmt.Printf("slots used:  %d/%d\n", st.SlotsUsed, st.SlotsTotal)
		fmt.Printf("live slots:  %d\n", st.LiveSlots)
		fmt.Printf("gc runs:     %d\n", st.GCRuns)
		fmt.Printf("gc average:  %s\n", st.GCAverage)
	case *mirror.Driver:
		fmt.Printf("state: %s\n", d.State())
	}
	return nil
}

func parseAddrLen(args []string) (uint32, uint32, error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("expected <addr> <len>")
	}
	addr, err := parseUint32(args[0])
	if err != nil {
		return 0, 0, err
	}
	n, err := parseUint32(args[1])
	if err != nil {
		return 0, 0, err
	}
	return addr, n, nil
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", s, err)
	}
	return uint32(v), nil
}
