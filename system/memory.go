// Package system reports host resources.
package system

import (
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/mem"

	"img2img_alternative/entities"
)

// GetMemory returns the current memory usage of the host.
func GetMemory() (*entities.Memory, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}

	return &entities.Memory{
		RAM: entities.RAM{
			Free:  float64(vmem.Free),
			Used:  float64(vmem.Used),
			Total: float64(vmem.Total),
		},
	}, nil
}

func GetMemoryReadable() (*entities.ReadableMemory, error) {
	memory, err := GetMemory()
	if err != nil {
		return nil, err
	}

	return memory.RAM.Readable(), nil
}

// Footprint formats a byte count such as a tensor's size.
func Footprint(bytes uint64) string {
	return humanize.IBytes(bytes)
}
