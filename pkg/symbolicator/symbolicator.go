package symbolicator

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/crashsym/crashsym/pkg/fetcher"
	"github.com/crashsym/crashsym/pkg/symbolic"
)

type Config struct {
	MaxConcurrentModules int           `yaml:"max_concurrent_modules"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.MaxConcurrentModules, "symbolicator.max-concurrent-modules", 10, "Maximum number of modules populated concurrently per batch.")
	f.DurationVar(&cfg.RequestTimeout, "symbolicator.request-timeout", 30*time.Second, "Overall deadline for a symbolication batch. Modules not populated in time resolve as missing.")
}

func (cfg *Config) Validate() error {
	if cfg.MaxConcurrentModules < 1 {
		return fmt.Errorf("invalid max-concurrent-modules value, must be positive")
	}
	return nil
}

// SymbolSource is the cache contract the orchestrator drives.
type SymbolSource interface {
	GetOrPopulate(ctx context.Context, key symbolic.ModuleKey) (*symbolic.Table, error)
}

// Symbolicator turns batches of raw stacks into resolved frames. One
// batch fans out over its distinct modules with bounded parallelism;
// a module that cannot be populated marks only its own frames, never
// the batch.
type Symbolicator struct {
	logger  log.Logger
	cfg     Config
	source  SymbolSource
	metrics *metrics
}

func New(logger log.Logger, cfg Config, source SymbolSource, reg prometheus.Registerer) (*Symbolicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Symbolicator{
		logger:  logger,
		cfg:     cfg,
		source:  source,
		metrics: newMetrics(reg),
	}, nil
}

// moduleState is the per-module outcome of cache population.
type moduleState struct {
	table  *symbolic.Table
	status string // one of the frame statuses, for frames in this module
}

// Symbolicate resolves every frame of every job. Jobs must already be
// validated; partial results are the normal outcome when modules are
// missing or the deadline fires.
func (s *Symbolicator) Symbolicate(ctx context.Context, jobs []Job) Response {
	start := time.Now()
	defer func() {
		s.metrics.batchDuration.Observe(time.Since(start).Seconds())
	}()

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	states := s.populateModules(ctx, jobs)

	results := make([]JobResult, len(jobs))
	for i := range jobs {
		results[i] = s.resolveJob(&jobs[i], states)
	}
	return Response{Results: results}
}

// populateModules drives the cache for every distinct module the batch
// references, with bounded parallelism. Same-module requests across
// jobs collapse here; concurrent batches collapse further in the
// cache's single-flight.
func (s *Symbolicator) populateModules(ctx context.Context, jobs []Job) map[symbolic.ModuleKey]*moduleState {
	states := make(map[symbolic.ModuleKey]*moduleState)
	for i := range jobs {
		for _, stack := range jobs[i].Stacks {
			for _, frame := range stack {
				if frame.ModuleIndex < 0 {
					continue
				}
				ref := jobs[i].MemoryMap[frame.ModuleIndex]
				if _, ok := states[ref.key()]; !ok {
					states[ref.key()] = &moduleState{status: StatusUnknownModule}
				}
			}
		}
	}
	s.metrics.modulesPerBatch.Observe(float64(len(states)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentModules)

	for key, state := range states {
		key, state := key, state

		sanitized, err := symbolic.SanitizeKey(key)
		if err != nil {
			level.Debug(s.logger).Log("msg", "unusable module identity", "module", key, "err", err)
			continue
		}

		g.Go(func() error {
			table, err := s.source.GetOrPopulate(gctx, sanitized)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				state.table = table
				state.status = StatusSymbolicated
			case fetcher.IsModuleNotFound(err):
				state.status = StatusMissingModule
			case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
				state.status = StatusTimeout
			default:
				level.Warn(s.logger).Log("msg", "module population failed", "module", sanitized, "err", err)
				state.status = StatusError
			}
			return nil
		})
	}
	_ = g.Wait()
	return states
}

func (s *Symbolicator) resolveJob(job *Job, states map[symbolic.ModuleKey]*moduleState) JobResult {
	result := JobResult{
		Stacks:       make([][]ResolvedFrame, len(job.Stacks)),
		FoundModules: make(map[string]bool, len(job.MemoryMap)),
	}

	referenced := make(map[symbolic.ModuleKey]bool)
	for si, stack := range job.Stacks {
		frames := make([]ResolvedFrame, len(stack))
		for fi, ref := range stack {
			frames[fi] = s.resolveFrame(job, fi, ref, states)
			if ref.ModuleIndex >= 0 {
				referenced[job.MemoryMap[ref.ModuleIndex].key()] = true
			}
			s.metrics.frames.WithLabelValues(frames[fi].Status).Inc()
		}
		result.Stacks[si] = frames
	}

	for key := range referenced {
		state := states[key]
		if state != nil && state.table != nil {
			result.FoundModules[key.String()] = true
			result.KnownModules = append(result.KnownModules, key.String())
		} else {
			result.FoundModules[key.String()] = false
			result.MissingModules = append(result.MissingModules, key.String())
		}
	}
	sort.Strings(result.KnownModules)
	sort.Strings(result.MissingModules)
	return result
}

func (s *Symbolicator) resolveFrame(job *Job, frameIdx int, ref FrameRef, states map[symbolic.ModuleKey]*moduleState) ResolvedFrame {
	out := ResolvedFrame{
		Frame:        frameIdx,
		ModuleOffset: fmt.Sprintf("0x%x", ref.Offset),
		Status:       StatusUnknownModule,
	}
	if ref.ModuleIndex < 0 {
		return out
	}

	mod := job.MemoryMap[ref.ModuleIndex]
	out.Module = mod.DebugFile

	state := states[mod.key()]
	if state == nil || state.table == nil {
		if state != nil {
			out.Status = state.status
		}
		return out
	}

	frames, ok := state.table.Lookup(ref.Offset)
	if !ok {
		// Expected for addresses outside debug information.
		out.Status = StatusNoSymbolRange
		return out
	}

	out.Found = true
	out.Status = StatusSymbolicated
	out.Function = frames[0].FunctionName
	out.File = frames[0].File
	out.Line = frames[0].Line
	if start, ok := state.table.FunctionStart(ref.Offset); ok {
		out.FunctionOffset = fmt.Sprintf("0x%x", ref.Offset-start)
	}
	for _, inline := range frames[1:] {
		out.Inlines = append(out.Inlines, InlineFrame{
			Function: inline.FunctionName,
			File:     inline.File,
			Line:     inline.Line,
		})
	}
	return out
}
