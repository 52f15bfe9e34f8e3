package symbolicator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/crashsym/crashsym/pkg/fetcher"
	"github.com/crashsym/crashsym/pkg/symbolic"
)

const testDebugID = "44E4EC8C2F41492B9369D6B9A059577C2"

type fakeSource struct {
	mu     sync.Mutex
	tables map[symbolic.ModuleKey]*symbolic.Table
	errs   map[symbolic.ModuleKey]error
	delays map[symbolic.ModuleKey]time.Duration
	calls  map[symbolic.ModuleKey]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		tables: make(map[symbolic.ModuleKey]*symbolic.Table),
		errs:   make(map[symbolic.ModuleKey]error),
		delays: make(map[symbolic.ModuleKey]time.Duration),
		calls:  make(map[symbolic.ModuleKey]int),
	}
}

func (f *fakeSource) addTable(t *testing.T, name, sym string) symbolic.ModuleKey {
	t.Helper()
	table, err := symbolic.ParseSym([]byte(sym))
	require.NoError(t, err)
	key := symbolic.ModuleKey{DebugFile: name, DebugID: testDebugID}
	f.mu.Lock()
	f.tables[key] = table
	f.mu.Unlock()
	return key
}

func (f *fakeSource) GetOrPopulate(ctx context.Context, key symbolic.ModuleKey) (*symbolic.Table, error) {
	f.mu.Lock()
	f.calls[key]++
	delay := f.delays[key]
	table, hasTable := f.tables[key]
	err := f.errs[key]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !hasTable {
		return nil, fetcher.ModuleNotFoundError{Key: key}
	}
	return table, nil
}

func newTestSymbolicator(t *testing.T, source SymbolSource, timeout time.Duration) *Symbolicator {
	t.Helper()
	s, err := New(log.NewNopLogger(), Config{
		MaxConcurrentModules: 4,
		RequestTimeout:       timeout,
	}, source, nil)
	require.NoError(t, err)
	return s
}

func moduleRef(key symbolic.ModuleKey) ModuleRef {
	return ModuleRef{DebugFile: key.DebugFile, DebugID: key.DebugID}
}

func TestSymbolicateBasic(t *testing.T) {
	source := newFakeSource()
	key := source.addTable(t, "libexample.so", "FUNC 1000 100 0 do_work\n")
	s := newTestSymbolicator(t, source, 0)

	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{moduleRef(key)},
		Stacks: [][]FrameRef{{
			{ModuleIndex: 0, Offset: 0x1050},
			{ModuleIndex: 0, Offset: 0x50},
		}},
	}})

	require.Len(t, resp.Results, 1)
	stacks := resp.Results[0].Stacks
	require.Len(t, stacks, 1)
	require.Len(t, stacks[0], 2)

	require.True(t, stacks[0][0].Found)
	require.Equal(t, "do_work", stacks[0][0].Function)
	require.Equal(t, "0x1050", stacks[0][0].ModuleOffset)
	require.Equal(t, "0x50", stacks[0][0].FunctionOffset)
	require.Equal(t, StatusSymbolicated, stacks[0][0].Status)

	require.False(t, stacks[0][1].Found)
	require.Equal(t, StatusNoSymbolRange, stacks[0][1].Status)

	require.Equal(t, []string{key.String()}, resp.Results[0].KnownModules)
	require.Empty(t, resp.Results[0].MissingModules)
	require.True(t, resp.Results[0].FoundModules[key.String()])
}

func TestSymbolicateInlines(t *testing.T) {
	source := newFakeSource()
	key := source.addTable(t, "libinline.so", `FILE 0 /src/outer.c
INLINE_ORIGIN 0 inlined_fn
FUNC 1000 100 0 outer_fn
INLINE 0 12 0 0 1010 10
`)
	s := newTestSymbolicator(t, source, 0)

	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{moduleRef(key)},
		Stacks:    [][]FrameRef{{{ModuleIndex: 0, Offset: 0x1015}}},
	}})

	frame := resp.Results[0].Stacks[0][0]
	require.True(t, frame.Found)
	require.Equal(t, "outer_fn", frame.Function)
	require.Equal(t, "/src/outer.c", frame.File)
	require.Equal(t, uint32(12), frame.Line)
	require.Len(t, frame.Inlines, 1)
	require.Equal(t, "inlined_fn", frame.Inlines[0].Function)
}

func TestSymbolicateUnknownModule(t *testing.T) {
	source := newFakeSource()
	s := newTestSymbolicator(t, source, 0)

	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{},
		Stacks:    [][]FrameRef{{{ModuleIndex: -1, Offset: 0x1234}}},
	}})

	frame := resp.Results[0].Stacks[0][0]
	require.False(t, frame.Found)
	require.Equal(t, StatusUnknownModule, frame.Status)
}

func TestSymbolicateMissingModule(t *testing.T) {
	source := newFakeSource()
	key := symbolic.ModuleKey{DebugFile: "gone.so", DebugID: testDebugID}
	s := newTestSymbolicator(t, source, 0)

	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{moduleRef(key)},
		Stacks:    [][]FrameRef{{{ModuleIndex: 0, Offset: 0x1234}}},
	}})

	frame := resp.Results[0].Stacks[0][0]
	require.False(t, frame.Found)
	require.Equal(t, StatusMissingModule, frame.Status)
	require.Equal(t, []string{key.String()}, resp.Results[0].MissingModules)
	require.False(t, resp.Results[0].FoundModules[key.String()])
}

func TestSymbolicateInvalidModuleIdentity(t *testing.T) {
	source := newFakeSource()
	s := newTestSymbolicator(t, source, 0)

	// Debug ID is not hex: the module can never be fetched, so its
	// frames come back unresolved without reaching the source.
	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{{DebugFile: "weird.so", DebugID: "not-a-debug-id"}},
		Stacks:    [][]FrameRef{{{ModuleIndex: 0, Offset: 0x10}}},
	}})

	frame := resp.Results[0].Stacks[0][0]
	require.False(t, frame.Found)
	require.Equal(t, StatusUnknownModule, frame.Status)
	require.Empty(t, source.calls)
}

func TestSymbolicateDeadlinePartialResults(t *testing.T) {
	source := newFakeSource()
	fast := source.addTable(t, "fast.so", "FUNC 1000 100 0 quick_fn\n")
	slow := source.addTable(t, "slow.so", "FUNC 2000 100 0 slow_fn\n")
	source.delays[slow] = 500 * time.Millisecond

	s := newTestSymbolicator(t, source, 50*time.Millisecond)

	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{moduleRef(fast), moduleRef(slow)},
		Stacks: [][]FrameRef{{
			{ModuleIndex: 0, Offset: 0x1010},
			{ModuleIndex: 1, Offset: 0x2010},
		}},
	}})

	stacks := resp.Results[0].Stacks
	require.True(t, stacks[0][0].Found)
	require.Equal(t, "quick_fn", stacks[0][0].Function)

	require.False(t, stacks[0][1].Found)
	require.Equal(t, StatusTimeout, stacks[0][1].Status)

	require.Equal(t, []string{fast.String()}, resp.Results[0].KnownModules)
	require.Equal(t, []string{slow.String()}, resp.Results[0].MissingModules)
}

func TestSymbolicateDeduplicatesModules(t *testing.T) {
	source := newFakeSource()
	key := source.addTable(t, "shared.so", "FUNC 1000 100 0 fn\n")
	s := newTestSymbolicator(t, source, 0)

	jobs := []Job{
		{
			MemoryMap: []ModuleRef{moduleRef(key)},
			Stacks: [][]FrameRef{
				{{ModuleIndex: 0, Offset: 0x1001}, {ModuleIndex: 0, Offset: 0x1002}},
				{{ModuleIndex: 0, Offset: 0x1003}},
			},
		},
		{
			MemoryMap: []ModuleRef{moduleRef(key)},
			Stacks:    [][]FrameRef{{{ModuleIndex: 0, Offset: 0x1004}}},
		},
	}

	resp := s.Symbolicate(context.Background(), jobs)
	require.Len(t, resp.Results, 2)
	require.Equal(t, 1, source.calls[key])

	for _, result := range resp.Results {
		for _, stack := range result.Stacks {
			for _, frame := range stack {
				require.True(t, frame.Found)
				require.Equal(t, "fn", frame.Function)
			}
		}
	}
}

func TestSymbolicatePreservesFrameOrder(t *testing.T) {
	source := newFakeSource()
	key := source.addTable(t, "many.so", "FUNC 1000 1000 0 fn\n")
	s := newTestSymbolicator(t, source, 0)

	stack := make([]FrameRef, 20)
	for i := range stack {
		stack[i] = FrameRef{ModuleIndex: 0, Offset: uint64(0x1000 + i)}
	}
	resp := s.Symbolicate(context.Background(), []Job{{
		MemoryMap: []ModuleRef{moduleRef(key)},
		Stacks:    [][]FrameRef{stack},
	}})

	frames := resp.Results[0].Stacks[0]
	require.Len(t, frames, 20)
	for i, frame := range frames {
		require.Equal(t, i, frame.Frame)
		require.Equal(t, fmt.Sprintf("0x%x", 0x1000+i), frame.ModuleOffset)
	}
}

func TestJobValidate(t *testing.T) {
	key := symbolic.ModuleKey{DebugFile: "a.so", DebugID: testDebugID}

	job := Job{
		MemoryMap: []ModuleRef{moduleRef(key)},
		Stacks:    [][]FrameRef{{{ModuleIndex: 1, Offset: 0}}},
	}
	err := job.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	job = Job{MemoryMap: []ModuleRef{moduleRef(key)}}
	require.Error(t, job.Validate())

	job = Job{
		MemoryMap: []ModuleRef{moduleRef(key)},
		Stacks:    [][]FrameRef{{{ModuleIndex: -1, Offset: 0}, {ModuleIndex: 0, Offset: 5}}},
	}
	require.NoError(t, job.Validate())
}
