package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optionflow/config"
	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/processor"
	"optionflow/reader"
	"optionflow/writer"
)

// Archiver keeps a copy of each persisted chain.
type Archiver interface {
	Write(ctx context.Context, underlying string, expiry time.Time, chain models.Chain) (string, error)
}

// Observer receives the outcome of every cycle.
type Observer interface {
	ObserveCycle(stats metrics.CycleStats) error
}

// Result describes a completed cycle.
type Result struct {
	Snapshot    models.Snapshot
	Contracts   int
	Diagnostics []processor.Diagnostic
	ArchiveKey  string
	Written     bool
	// Preview holds the in-memory table of a dry run.
	Preview [][]string
}

// Cycle runs one read, fetch, merge, render and replace pass. It keeps no
// state between runs; the baseline always comes from the store.
type Cycle struct {
	Source   reader.QuoteSource
	Store    writer.TableStore
	Archive  Archiver
	Observer Observer

	Exchange   string
	Underlying string
	Expiry     time.Time
	WithVWAP   bool
	DryRun     bool

	log *logger.Log
}

// NewCycle wires a cycle from cfg. archive and observer may be nil.
func NewCycle(cfg *config.Config, src reader.QuoteSource, store writer.TableStore, archive Archiver, observer Observer) *Cycle {
	return &Cycle{
		Source:     src,
		Store:      store,
		Archive:    archive,
		Observer:   observer,
		Exchange:   cfg.Source.Kite.Exchange,
		Underlying: strings.ToUpper(cfg.Source.Kite.Underlying),
		Expiry:     cfg.ExpiryDate(),
		WithVWAP:   cfg.Schema.VWAP,
		log:        logger.GetLogger(),
	}
}

// Run executes one cycle. Any error leaves the store untouched, except a
// failure inside the final replace, which is reported as is.
func (c *Cycle) Run(ctx context.Context) (res *Result, err error) {
	start := time.Now()
	expiry := c.Expiry.Format(models.ExpiryLayout)
	log := c.logger().WithComponent("cycle").WithFields(logger.Fields{
		"underlying": c.Underlying,
		"expiry":     expiry,
		"dry_run":    c.DryRun,
	})

	defer func() {
		c.observe(res, err, time.Since(start))
	}()

	table, err := c.Store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read snapshot table: %w", err)
	}
	prior := processor.ExtractPriorState(table)

	instruments, err := c.Source.ListInstruments(ctx, c.Exchange)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	contracts := reader.FilterChain(instruments, reader.ChainFilter{
		Underlying: c.Underlying,
		Expiry:     c.Expiry,
	})
	log.WithFields(logger.Fields{
		"listed":     len(instruments),
		"contracts":  len(contracts),
		"prior_rows": len(prior),
	}).Debug("instrument list filtered")

	results, err := reader.FetchQuotes(ctx, c.Source, contracts)
	if err != nil {
		return nil, err
	}

	chain, diagnostics, err := processor.Merge(prior, results)
	if err != nil {
		return nil, fmt.Errorf("merge %s %s: %w", c.Underlying, expiry, err)
	}
	for _, d := range diagnostics {
		log.WithFields(logger.Fields{
			"tradingsymbol": d.Instrument.TradingSymbol,
			"strike":        d.Instrument.Strike,
			"side":          d.Instrument.Side.String(),
		}).WithError(d.Err).Warn("side left empty after failed quote")
	}

	snapshot := processor.Render(chain, expiry, c.WithVWAP)
	res = &Result{
		Snapshot:    snapshot,
		Contracts:   len(contracts),
		Diagnostics: diagnostics,
	}

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("cycle cancelled before write: %w", err)
	}

	if c.DryRun {
		preview := writer.NewMemoryStore(table)
		if err := writer.Replace(ctx, preview, snapshot.Header, snapshot.Rows); err != nil {
			return res, fmt.Errorf("write dry-run copy: %w", err)
		}
		rows, err := preview.ReadAll(ctx)
		if err != nil {
			return res, fmt.Errorf("read dry-run copy: %w", err)
		}
		res.Preview = rows
		c.logTable(log, rows)
		c.summary(log, res, time.Since(start))
		return res, nil
	}

	if err := writer.Replace(ctx, c.Store, snapshot.Header, snapshot.Rows); err != nil {
		return res, fmt.Errorf("write snapshot: %w", err)
	}
	res.Written = true

	if c.Archive != nil {
		key, err := c.Archive.Write(ctx, c.Underlying, c.Expiry, chain)
		if err != nil {
			log.WithError(err).Warn("failed to archive chain")
		} else {
			res.ArchiveKey = key
		}
	}

	c.summary(log, res, time.Since(start))
	return res, nil
}

func (c *Cycle) logger() *logger.Log {
	if c.log == nil {
		c.log = logger.GetLogger()
	}
	return c.log
}

func (c *Cycle) logTable(log *logger.Entry, rows [][]string) {
	for i, row := range rows {
		log.WithFields(logger.Fields{
			"row":    writer.HeaderRow + i,
			"values": strings.Join(row, ","),
		}).Info("dry run row")
	}
	log.WithField("rows", len(rows)).Info("dry run: store not written")
}

func (c *Cycle) summary(log *logger.Entry, res *Result, elapsed time.Duration) {
	log.WithFields(logger.Fields{
		"contracts":      res.Contracts,
		"rows":           len(res.Snapshot.Rows),
		"quote_failures": len(res.Diagnostics),
		"archive_key":    res.ArchiveKey,
	}).Info("snapshot cycle completed")
	logger.LogPerformanceEntry(log, "cycle", "snapshot_cycle", elapsed, nil)
}

func (c *Cycle) observe(res *Result, err error, elapsed time.Duration) {
	if c.Observer == nil {
		return
	}

	stats := metrics.CycleStats{
		Underlying: c.Underlying,
		Expiry:     c.Expiry.Format(models.ExpiryLayout),
		Duration:   elapsed,
		Err:        err,
	}
	if res != nil {
		stats.Contracts = res.Contracts
		stats.QuoteFailures = len(res.Diagnostics)
		if res.Written {
			stats.Rows = len(res.Snapshot.Rows)
		}
	}
	if oerr := c.Observer.ObserveCycle(stats); oerr != nil {
		c.logger().WithComponent("cycle").WithError(oerr).Warn("failed to record cycle metrics")
	}
}
