package main

import (
	"context"
	"math/rand"
	"time"

	"github.com/23skdu/hazardstack/internal/arena"
	"github.com/23skdu/hazardstack/internal/concurrency"
	"github.com/23skdu/hazardstack/internal/hazard"
	"github.com/23skdu/hazardstack/internal/health"
	"github.com/23skdu/hazardstack/internal/limiter"
	"github.com/23skdu/hazardstack/internal/logging"
	"github.com/23skdu/hazardstack/internal/tracing"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// poisonValue is written into every freed node when poisoning is on.
// Pushed values are never negative.
const poisonValue int64 = -1

// closeTimeout bounds how long a finishing worker waits for other
// workers to drop their hazards before orphaning what is left.
const closeTimeout = 5 * time.Second

// StressOptions describes one randomized push/pop run
type StressOptions struct {
	Workers      int
	OpsPerWorker int           // 0 means run until Duration elapses
	Duration     time.Duration // 0 means no time limit
	Prefill      int
	Poison       bool
	Limiter      limiter.Config
	Seed         int64

	// RunID tags logs and spans; a random one is generated when empty
	RunID string
	// Health, when set, gets a checker for the run's node arena
	Health *health.HealthManager
}

// StressReport summarises a finished run. Violations are any of
// Duplicates, Unknown, Missing, Poisoned or Leaked being non-zero.
type StressReport struct {
	RunID     string
	Workers   int
	Pushed    int
	Popped    int
	EmptyPops int
	Drained   int

	Duplicates int // values popped more than once
	Unknown    int // values popped that were never pushed
	Missing    int // values pushed and never popped
	Poisoned   int // poisoned values observed by a pop
	Leaked     int64

	Reclaimed uint64
	Orphaned  int
	Elapsed   time.Duration
}

// OK reports whether the run upheld conservation and reclamation safety.
func (r StressReport) OK() bool {
	return r.Duplicates == 0 && r.Unknown == 0 && r.Missing == 0 && r.Poisoned == 0 && r.Leaked == 0
}

// MarshalZerologObject logs the report as a flat set of fields.
func (r StressReport) MarshalZerologObject(e *zerolog.Event) {
	e.Str("run_id", r.RunID).
		Int("workers", r.Workers).
		Int("pushed", r.Pushed).
		Int("popped", r.Popped).
		Int("empty_pops", r.EmptyPops).
		Int("drained", r.Drained).
		Int("duplicates", r.Duplicates).
		Int("unknown", r.Unknown).
		Int("missing", r.Missing).
		Int("poisoned", r.Poisoned).
		Int64("leaked", r.Leaked).
		Uint64("reclaimed", r.Reclaimed).
		Int("orphaned", r.Orphaned).
		Dur("elapsed", r.Elapsed)
}

type workerLog struct {
	pushed    []int64
	popped    []int64
	emptyPops int
	poisoned  int
}

// valueFor encodes a worker id and sequence number into a unique
// non-negative value. Worker id 0 is the prefill.
func valueFor(worker, seq int) int64 {
	return int64(worker)<<40 | int64(seq)
}

// RunStress runs opts.Workers goroutines doing random pushes and pops on
// one stack, drains it and checks every pushed value came back exactly
// once. The returned error is an operational failure (slot or arena
// exhaustion); property violations are reported in StressReport.
func RunStress(ctx context.Context, mgr *hazard.Manager, arenaCfg arena.Config, opts StressOptions, logger zerolog.Logger) (report StressReport, err error) {
	report = StressReport{
		RunID:   opts.RunID,
		Workers: opts.Workers,
	}
	if report.RunID == "" {
		report.RunID = uuid.New().String()
	}
	logger = logger.With().Str("run_id", report.RunID).Logger()
	stackLogger := logger
	logger = logging.WithComponent(logger, "stress")

	ctx, span := tracing.Start(ctx, "stress.run", oteltrace.WithAttributes(
		attribute.String("stress.run_id", report.RunID),
		attribute.Int("stress.workers", opts.Workers),
		attribute.Int("stress.ops_per_worker", opts.OpsPerWorker),
		attribute.Bool("stress.poison", opts.Poison),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("stress.pushed", report.Pushed),
			attribute.Int("stress.popped", report.Popped),
			attribute.Bool("stress.ok", report.OK()),
		)
		tracing.EndWithError(span, err)
	}()

	stackOpts := []concurrency.Option[int64]{concurrency.WithLogger[int64](stackLogger)}
	if opts.Poison {
		stackOpts = append(stackOpts, concurrency.WithPoison(func(v *int64) { *v = poisonValue }))
	}
	stack, err := concurrency.NewConcurrentStack[int64](mgr, arenaCfg, stackOpts...)
	if err != nil {
		return report, err
	}
	if opts.Health != nil {
		const checker = "stack_arena"
		opts.Health.RegisterChecker(health.NewArenaChecker(checker, stack.Arena()))
		defer opts.Health.UnregisterChecker(checker)
	}

	prefill := make([]int64, 0, opts.Prefill)
	for i := 0; i < opts.Prefill; i++ {
		v := valueFor(0, i)
		if err := stack.Push(v); err != nil {
			return report, err
		}
		prefill = append(prefill, v)
	}

	runCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	logger.Info().
		Int("workers", opts.Workers).
		Int("ops_per_worker", opts.OpsPerWorker).
		Dur("duration", opts.Duration).
		Int("prefill", opts.Prefill).
		Bool("poison", opts.Poison).
		Int("rate_limit_rps", opts.Limiter.RPS).
		Msg("stress run starting")

	start := time.Now()
	logs := make([]workerLog, opts.Workers)
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			return runWorker(gctx, stack, w, opts, &logs[w])
		})
	}
	werr := g.Wait()
	report.Elapsed = time.Since(start)

	// Remaining values are popped by a fresh participant once every
	// worker has released its slot.
	drained, err := drainStack(stack, mgr)
	if err != nil && werr == nil {
		werr = err
	}
	report.Drained = len(drained)

	verify(&report, prefill, logs, drained)

	stats := mgr.Stats()
	report.Reclaimed = stats.Reclaimed
	report.Orphaned = stats.Orphaned
	if stats.Orphaned == 0 {
		report.Leaked = stack.Arena().Live()
	}

	if werr != nil {
		logger.Error().Err(werr).Msg("stress run aborted")
		return report, werr
	}
	return report, nil
}

func runWorker(ctx context.Context, stack *concurrency.ConcurrentStack[int64], id int, opts StressOptions, log *workerLog) (err error) {
	ctx, span := tracing.Start(ctx, "stress.worker", oteltrace.WithAttributes(attribute.Int("stress.worker", id)))
	defer func() {
		span.SetAttributes(
			attribute.Int("stress.pushed", len(log.pushed)),
			attribute.Int("stress.popped", len(log.popped)),
			attribute.Int("stress.empty_pops", log.emptyPops),
		)
		tracing.EndWithError(span, err)
	}()

	h, err := stack.Manager().Acquire()
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("hazard.slot", h.Slot()))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := h.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	lim := limiter.NewRateLimiter(opts.Limiter)
	rng := rand.New(rand.NewSource(opts.Seed + int64(id)))
	seq := 0

	for i := 0; opts.OpsPerWorker == 0 || i < opts.OpsPerWorker; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if lim.Wait(ctx) != nil {
			// only fails when the run is ending
			return nil
		}

		if rng.Intn(2) == 0 {
			v := valueFor(id+1, seq)
			if err := stack.Push(v); err != nil {
				return err
			}
			log.pushed = append(log.pushed, v)
			seq++
			continue
		}

		v, ok := stack.Pop(h)
		switch {
		case !ok:
			log.emptyPops++
		case v == poisonValue:
			log.poisoned++
		default:
			log.popped = append(log.popped, v)
		}
	}
	return nil
}

func drainStack(stack *concurrency.ConcurrentStack[int64], mgr *hazard.Manager) ([]int64, error) {
	h, err := mgr.Acquire()
	if err != nil {
		return nil, err
	}
	var out []int64
	for {
		v, ok := stack.Pop(h)
		if !ok {
			break
		}
		out = append(out, v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return out, h.Close(ctx)
}

// verify checks conservation: the multiset of popped values equals the
// multiset of pushed values, which are all distinct.
func verify(r *StressReport, prefill []int64, logs []workerLog, drained []int64) {
	counts := make(map[int64]int, len(prefill))
	for _, v := range prefill {
		counts[v]++
	}
	r.Pushed = len(prefill)
	for i := range logs {
		for _, v := range logs[i].pushed {
			counts[v]++
		}
		r.Pushed += len(logs[i].pushed)
		r.EmptyPops += logs[i].emptyPops
		r.Poisoned += logs[i].poisoned
	}

	pop := func(v int64) {
		r.Popped++
		c, ok := counts[v]
		switch {
		case !ok:
			r.Unknown++
		case c == 0:
			r.Duplicates++
		default:
			counts[v] = c - 1
		}
	}
	for i := range logs {
		for _, v := range logs[i].popped {
			pop(v)
		}
	}
	for _, v := range drained {
		if v == poisonValue {
			r.Poisoned++
			continue
		}
		pop(v)
	}

	for _, c := range counts {
		r.Missing += c
	}
}
