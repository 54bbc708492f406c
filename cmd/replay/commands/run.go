package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"caption-pipeline-go/internal/aggregator"
	"caption-pipeline-go/internal/cache"
	"caption-pipeline-go/internal/config"
	"caption-pipeline-go/internal/coordinator"
	"caption-pipeline-go/internal/dataset"
	"caption-pipeline-go/internal/engine"
	"caption-pipeline-go/internal/logger"
	"caption-pipeline-go/internal/metrics"
	"caption-pipeline-go/internal/sink"
)

var (
	runStrategy  string
	runSettleMS  int
	runEventsOut string
)

var runCmd = &cobra.Command{
	Use:   "run <export.xlsx>",
	Short: "Feed an export through the pipeline and report the run",
	Long: `Run ingests every row of a transcript export, in file order, through
the full pipeline: strategy resolution, cached enrichment, per-stream
reordering, gap handling. The report on stdout holds the input coverage,
the published-event insight, and the pipeline counters.

Out-of-order and duplicate rows are replayed as-is; exports with missing
sequence numbers produce gap markers after the configured reorder wait.
Use --settle-ms to override how long the run waits for those markers
(default: reorder wait plus margin when the export has holes, otherwise
no wait).`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

// report is the run command's stdout document.
type report struct {
	File      string             `json:"file"`
	Strategy  string             `json:"strategy"`
	Ingested  int                `json:"segments_ingested"`
	ElapsedMS int64              `json:"elapsed_ms"`
	Input     dataset.Summary    `json:"input"`
	Insight   aggregator.Insight `json:"insight"`
	Metrics   metrics.Snapshot   `json:"metrics"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	log := logger.New()
	if !verbose {
		log.SetLevel("error") // keep stdout machine-readable
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if runStrategy != "" {
		cfg.StrategyName = runStrategy
	}

	segs, err := dataset.Load(args[0])
	if err != nil {
		return fmt.Errorf("load export: %w", err)
	}
	if len(segs) == 0 {
		return fmt.Errorf("export %s has no segments", args[0])
	}
	summary := dataset.Summarize(segs)

	reg := engine.NewRegistry(cfg.StrictStrategyResolution)
	for name, eng := range map[string]engine.Engine{
		engine.StrategyStandard:      engine.Standard{},
		engine.StrategyMultiLanguage: engine.MultiLanguage{},
		engine.StrategyVoiceControl:  engine.VoiceControl{},
	} {
		if err := reg.Handle(name, eng); err != nil {
			return err
		}
	}
	if err := reg.SetDefault(cfg.StrategyName); err != nil {
		return fmt.Errorf("strategy %q is not registered", cfg.StrategyName)
	}

	mtr := metrics.New()

	var store *cache.Store
	if cfg.CachePersistDir != "" {
		store, err = cache.OpenStore(cfg.CachePersistDir, cfg.CacheTTL(), log)
		if err != nil {
			return fmt.Errorf("open persistent cache tier: %w", err)
		}
	}
	cm := cache.New(cache.Options{
		TTL:        cfg.CacheTTL(),
		MaxEntries: cfg.CacheMaxEntries,
		SweepEvery: cfg.CacheSweepInterval(),
	}, store, mtr, log)

	snk := sink.NewChannelSink(cfg.SinkBufferSize, sink.PolicyBlock, mtr, log)
	coord := coordinator.New(cfg, reg, cm, snk, mtr, log)

	var eventsOut *json.Encoder
	if runEventsOut != "" {
		f, err := os.Create(runEventsOut)
		if err != nil {
			return fmt.Errorf("create events file: %w", err)
		}
		defer f.Close()
		eventsOut = json.NewEncoder(f) // one event per line
	}

	// Collect everything the pipeline publishes while the rows go in.
	var events []sink.Event
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		record := func(ev sink.Event) {
			events = append(events, ev)
			if eventsOut != nil {
				if err := eventsOut.Encode(ev); err != nil {
					log.WithError(err).Error("failed to write event line")
				}
			}
		}
		for {
			select {
			case ev := <-snk.Events():
				record(ev)
			case <-snk.Done():
				for _, ev := range snk.Drain() {
					record(ev)
				}
				return
			}
		}
	}()

	start := time.Now()
	for _, seg := range segs {
		for {
			err := coord.Ingest(seg, "")
			var backlog *coordinator.BacklogError
			if errors.As(err, &backlog) {
				// Arrival queue full; the workers need a moment.
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return fmt.Errorf("ingest %s/%d: %w", seg.StreamID, seg.SequenceNo, err)
			}
			break
		}
	}

	if settle := settleWait(cfg, summary); settle > 0 {
		log.WithField("settle", settle.String()).Info("waiting for gap markers")
		time.Sleep(settle)
	}

	if err := coord.Close(); err != nil {
		return err
	}
	if err := snk.Close(); err != nil {
		return err
	}
	<-collected
	if err := cm.Close(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := report{
		File:      args[0],
		Strategy:  cfg.StrategyName,
		Ingested:  len(segs),
		ElapsedMS: elapsed.Milliseconds(),
		Input:     summary,
		Insight:   aggregator.Aggregate(events),
		Metrics:   mtr.Snapshot(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// settleWait decides how long the run lingers after the last ingest so the
// reorder buffers can time out and emit their gap markers. Exports without
// holes have nothing to wait for.
func settleWait(cfg config.Config, summary dataset.Summary) time.Duration {
	if runSettleMS >= 0 {
		return time.Duration(runSettleMS) * time.Millisecond
	}
	for _, st := range summary.ByStream {
		if st.Missing > 0 {
			return cfg.ReorderMaxWait() + 250*time.Millisecond
		}
	}
	return 0
}

func init() {
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "enrichment strategy (default from config)")
	runCmd.Flags().IntVar(&runSettleMS, "settle-ms", -1, "extra wait before closing, -1 = auto")
	runCmd.Flags().StringVar(&runEventsOut, "events-out", "", "write published events as JSON lines to this file")

	rootCmd.AddCommand(runCmd)
}
