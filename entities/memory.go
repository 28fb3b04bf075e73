package entities

import (
	"encoding/json"

	"github.com/dustin/go-humanize"
)

func UnmarshalMemory(data []byte) (Memory, error) {
	var r Memory
	err := json.Unmarshal(data, &r)
	return r, err
}

func (mem *Memory) Marshal() ([]byte, error) {
	return json.Marshal(mem)
}

// Memory is a host memory snapshot in bytes.
type Memory struct {
	RAM RAM `json:"ram"`
}

type RAM struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

type ReadableMemory struct {
	Free  string `json:"free"`
	Used  string `json:"used"`
	Total string `json:"total"`
}

func (mem *RAM) Readable() *ReadableMemory {
	return &ReadableMemory{
		Free:  readableMemory(mem.Free),
		Used:  readableMemory(mem.Used),
		Total: readableMemory(mem.Total),
	}
}

func (r *ReadableMemory) String() string {
	return "RAM used " + r.Used + " of " + r.Total + " (" + r.Free + " free)"
}

func readableMemory(bytes float64) string {
	return humanize.IBytes(uint64(bytes))
}
