package main

import (
	"log"
	"os"
	"sync"

	"github.com/jessevdk/go-flags"

	"github.com/kvmlite/kvmlite/internal/config"
	"github.com/kvmlite/kvmlite/internal/monitor"
)

type options struct {
	Config   string `short:"f" long:"config" description:"YAML machine config file"`
	Kernel   string `short:"k" long:"kernel" description:"path to a bzImage kernel"`
	Rootfs   string `short:"d" long:"disk" description:"path to a raw disk image exposed as virtio-blk"`
	Cmdline  string `long:"cmdline" description:"kernel command line"`
	MemoryMB uint64 `short:"m" long:"memory" description:"guest RAM in MiB"`
	CPUs     int    `short:"p" long:"cpus" description:"number of vCPUs"`
	ReadOnly bool   `long:"readonly" description:"attach the disk image read-only"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	m := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			log.Fatalf("%v", err)
		}
		m = loaded
	}
	if opts.Kernel != "" {
		m.Kernel = opts.Kernel
	}
	if opts.Rootfs != "" {
		m.Rootfs = opts.Rootfs
	}
	if opts.Cmdline != "" {
		m.Cmdline = opts.Cmdline
	}
	if opts.MemoryMB != 0 {
		m.MemoryMB = opts.MemoryMB
	}
	if opts.CPUs != 0 {
		m.CPUs = opts.CPUs
	}
	if opts.ReadOnly {
		m.ReadOnly = true
	}

	mon, err := monitor.New(m, log.Default())
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer mon.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(); err != nil {
			log.Printf("monitor exited: %v", err)
		}
	}()

	wg.Wait()
}
