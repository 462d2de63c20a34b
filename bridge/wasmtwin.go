package bridge

import (
	"fmt"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

// WasmTwin hosts a WASM guest whose exported linear memory serves as a twin
// target. The guest cannot map the shared buffer, so the bridge copies
// consistent snapshots straight into its memory at a fixed offset; the guest
// reads them with plain loads at the address agreed out of band.
type WasmTwin struct {
	engine   *wasmer.Engine
	store    *wasmer.Store
	instance *wasmer.Instance
	memory   *wasmer.Memory
	base     uint32
	size     uint32
}

// NewWasmTwin instantiates a guest module and reserves [base, base+size) of
// its exported "memory" as the twin landing zone.
func NewWasmTwin(wasmBytes []byte, base, size uint32) (*WasmTwin, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("bridge: compile guest module: %w", err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("bridge: instantiate guest module: %w", err)
	}
	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("bridge: guest exports no memory: %w", err)
	}
	if uint32(memory.DataSize()) < base+size {
		return nil, fmt.Errorf("bridge: guest memory of %d bytes cannot hold twin at [0x%X, 0x%X)",
			memory.DataSize(), base, base+size)
	}

	return &WasmTwin{
		engine:   engine,
		store:    store,
		instance: instance,
		memory:   memory,
		base:     base,
		size:     size,
	}, nil
}

// Bytes exposes the landing zone inside guest linear memory. Fetched per call
// because guest memory growth can relocate the backing array.
func (w *WasmTwin) Bytes() []byte {
	return w.memory.Data()[w.base : w.base+w.size]
}

// Instance returns the guest instance for callers that invoke guest exports
// after a sync.
func (w *WasmTwin) Instance() *wasmer.Instance {
	return w.instance
}

// Close tears the guest down.
func (w *WasmTwin) Close() {
	w.instance.Close()
}
