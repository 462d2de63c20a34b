// sabmap initializes or inspects a shared buffer and prints its memory map.
//
// Create and initialize a file-backed buffer:
//
//	sabmap -path /dev/shm/sabkit_buffer -size 16777216 -create -init
//
// Inspect an existing buffer:
//
//	sabmap -path /dev/shm/sabkit_buffer
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nmxmxh/sabkit"
	"github.com/nmxmxh/sabkit/sab"
	"github.com/nmxmxh/sabkit/utils"
)

func main() {
	var (
		path    = flag.String("path", sab.DefaultSharedMemoryPath(), "shared memory file path")
		size    = flag.Uint("size", sab.BUFFER_SIZE_DEFAULT, "buffer size in bytes (with -create)")
		create  = flag.Bool("create", false, "create the buffer file if missing")
		runInit = flag.Bool("init", false, "run one-time buffer initialization")
		memory  = flag.Bool("memory", false, "use an in-process buffer instead of a file")
	)
	flag.Parse()

	logger := utils.DefaultLogger("sabmap")

	var provider sab.MemoryProvider
	if *memory {
		provider = sab.NewInMemoryProvider(uint32(*size))
	} else {
		p, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
			Path:   *path,
			Size:   uint32(*size),
			Create: *create,
		})
		if err != nil {
			logger.Error("open shared memory", utils.Err(err))
			os.Exit(1)
		}
		provider = p
	}

	bus, err := sabkit.Open(sabkit.Options{
		Provider:     provider,
		Owner:        sab.RegionOwnerSystem,
		Initialize:   *runInit || *memory,
		ReadyTimeout: 2 * time.Second,
	})
	if err != nil {
		logger.Error("attach failed", utils.Err(err))
		os.Exit(1)
	}
	defer bus.Close()

	fmt.Print(bus.Layout().MemoryMap())

	arenaStats := bus.Arena().Stats()
	fmt.Printf("\nArena: %d/%d bytes allocated, fragmentation %.1f%%\n",
		arenaStats.Allocated, arenaStats.TotalSize, arenaStats.Fragmentation*100)

	regStats := bus.Registry().Stats()
	fmt.Printf("Registry: %d/%d slots used (%d overflowed, %d tombstones)\n",
		regStats.Used, regStats.Slots, regStats.Overflowed, regStats.Tombstones)

	fmt.Printf("Epoch leases: %d allocated, %d available\n",
		bus.Leases().Allocated(), bus.Leases().Available())

	if code := bus.PanicCode(); code != 0 {
		fmt.Printf("PANIC flag set: %d\n", code)
		os.Exit(2)
	}
}
