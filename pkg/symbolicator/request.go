package symbolicator

import (
	"encoding/json"
	"fmt"

	"github.com/crashsym/crashsym/pkg/symbolic"
)

// ModuleRef is one memoryMap entry: [debug_file, debug_id].
type ModuleRef struct {
	DebugFile string
	DebugID   string
}

func (m *ModuleRef) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("memoryMap entry must be an array of strings: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("memoryMap entry must have exactly 2 elements, got %d", len(pair))
	}
	m.DebugFile, m.DebugID = pair[0], pair[1]
	return nil
}

func (m ModuleRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{m.DebugFile, m.DebugID})
}

func (m ModuleRef) key() symbolic.ModuleKey {
	return symbolic.ModuleKey{DebugFile: m.DebugFile, DebugID: m.DebugID}
}

// FrameRef is one stack frame in a request: [module_index, offset].
// Module index -1 marks a frame with no known module. Offsets are
// decoded exactly, not through float64, so large addresses survive.
type FrameRef struct {
	ModuleIndex int
	Offset      uint64
}

func (f *FrameRef) UnmarshalJSON(data []byte) error {
	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("frame must be an array of numbers: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("frame must have exactly 2 elements, got %d", len(pair))
	}
	idx, err := pair[0].Int64()
	if err != nil || idx < -1 {
		return fmt.Errorf("invalid module index %q", pair[0].String())
	}
	offset, err := parseUint(pair[1])
	if err != nil {
		return fmt.Errorf("invalid frame offset %q", pair[1].String())
	}
	f.ModuleIndex = int(idx)
	f.Offset = offset
	return nil
}

func (f FrameRef) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{f.ModuleIndex, f.Offset})
}

func parseUint(n json.Number) (uint64, error) {
	u, err := n.Int64()
	if err != nil {
		return 0, err
	}
	if u < 0 {
		return 0, fmt.Errorf("negative offset")
	}
	return uint64(u), nil
}

// Job is one symbolication unit: a memory map plus the stacks whose
// frames index into it.
type Job struct {
	MemoryMap []ModuleRef  `json:"memoryMap"`
	Stacks    [][]FrameRef `json:"stacks"`
}

// ValidationError describes malformed request structure; it maps to a
// client-error response, never a resolver failure.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// Validate checks the parts of the request shape that only make sense
// with the whole job in hand: module indices against the memory map,
// and the presence of at least one stack.
func (j *Job) Validate() error {
	if len(j.Stacks) == 0 {
		return validationErrorf("job has no stacks")
	}
	for si, stack := range j.Stacks {
		for fi, frame := range stack {
			if frame.ModuleIndex >= len(j.MemoryMap) {
				return validationErrorf(
					"stack %d frame %d: module index %d out of range (memoryMap has %d modules)",
					si, fi, frame.ModuleIndex, len(j.MemoryMap))
			}
		}
	}
	return nil
}
