package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/chunkforge/internal/checkpoint"
	"github.com/danielpatrickdp/chunkforge/internal/codec"
	"github.com/danielpatrickdp/chunkforge/internal/config"
	"github.com/danielpatrickdp/chunkforge/internal/llm"
	"github.com/danielpatrickdp/chunkforge/internal/logging"
	"github.com/danielpatrickdp/chunkforge/internal/metrics"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
)

// #region deps
// deps holds everything a command may need, opened from the config.
type deps struct {
	store   checkpoint.Writer
	logDB   *sql.DB
	log     *logging.SessionLog
	metrics *metrics.Collectors
	closers []func() error
}

// openStore opens the checkpoint store and the session log only.
func openStore(c config.Config) (*deps, error) {
	d := &deps{}
	store, err := checkpoint.Open(c.Store.Backend, c.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	d.store = store
	d.closers = append(d.closers, store.Close)

	// The SQLite checkpoint store shares its connection with the log when the
	// paths match.
	if s, ok := store.(*checkpoint.SQLiteStore); ok && c.Store.LogPath == c.Store.Path {
		d.logDB = s.DB()
	} else {
		db, err := sql.Open("sqlite", c.Store.LogPath)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("open session log: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			d.Close()
			return nil, fmt.Errorf("session log WAL: %w", err)
		}
		d.logDB = db
		d.closers = append(d.closers, db.Close)
	}
	log, err := logging.NewSessionLog(d.logDB)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.log = log
	return d, nil
}

// orchestrator builds the chunk loop over the configured inference engine.
func (d *deps) orchestrator(c config.Config) (*orchestrator.Orchestrator, error) {
	var (
		gen orchestrator.Generator
		ext orchestrator.Extractor
	)
	switch c.Inference.Engine {
	case "openai":
		client, err := llm.NewOpenAIClient(c.Inference.OpenAI, logger)
		if err != nil {
			return nil, err
		}
		gen, ext = client, client
	default:
		client, err := codec.NewCodecClient(c.Inference.CodecAddr)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		gen, ext = client, client
	}

	opts := []orchestrator.Option{orchestrator.WithEventLog(d.log), orchestrator.WithLogger(logger)}
	if d.metrics != nil {
		opts = append(opts, orchestrator.WithObserver(d.metrics))
	}
	return orchestrator.New(gen, ext, d.store, c.Orchestrator, opts...)
}

// withMetrics registers the prometheus collectors on a fresh registry.
func (d *deps) withMetrics() *metrics.Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.metrics = metrics.New(reg)
	return d.metrics
}

// Close releases everything in reverse order of opening.
func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// #endregion deps
