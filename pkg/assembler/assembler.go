// Package assembler merges per-partition temp files into the final run artifacts.
package assembler

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

const (
	DefaultWorkers = 3
	DefaultTimeout = 10 * time.Minute
)

// Targets are the final artifact paths. Marc is empty for runs without MARC output.
type Targets struct {
	CSV  string
	JSON string
	Marc string
}

// Config controls the merge pool
type Config struct {
	Workers int
	Timeout time.Duration
}

// Assembler merges partition outputs with a bounded pool and an overall timeout
type Assembler struct {
	store   storage.Store
	workers int
	timeout time.Duration
	logger  *zap.Logger

	cleanup sync.WaitGroup
}

// New creates an assembler; zero config values fall back to the defaults
func New(store storage.Store, cfg Config, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Assembler{store: store, workers: cfg.Workers, timeout: cfg.Timeout, logger: logger}
}

// Merge writes the final CSV, JSON and MARC files from the partitions in index order.
// Temp files are deleted in the background once every merge succeeded.
func (a *Assembler) Merge(ctx context.Context, parts []partition.Descriptor, targets Targets) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	g.Go(func() error {
		return a.concat(gctx, targets.CSV, csvPaths(parts), mergeCSV, true)
	})
	g.Go(func() error {
		return a.concat(gctx, targets.JSON, jsonPaths(parts), copyAll, false)
	})
	if targets.Marc != "" {
		g.Go(func() error {
			return a.concat(gctx, targets.Marc, marcPaths(parts), copyAll, false)
		})
	}

	err := g.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		a.logger.Error("Merge timed out",
			zap.Duration("timeout", a.timeout),
			zap.Int("partitions", len(parts)))
		return errors.NewFatal(errors.CodeMergeTimeout,
			fmt.Sprintf("merge of %d partitions did not finish within %s", len(parts), a.timeout),
			errors.ErrMergeTimeout)
	}
	if err != nil {
		return errors.NewFatal(errors.CodeStorage, "merge partition files", errors.Join(errors.ErrStorage, err))
	}

	a.logger.Info("Merged partition files",
		zap.Int("partitions", len(parts)),
		zap.String("csv", targets.CSV),
		zap.String("json", targets.JSON),
		zap.String("marc", targets.Marc),
		zap.Duration("duration", time.Since(start)))

	a.removeAsync(parts)
	return nil
}

// Wait blocks until background temp file deletion has finished
func (a *Assembler) Wait() {
	a.cleanup.Wait()
}

func (a *Assembler) removeAsync(parts []partition.Descriptor) {
	var paths []string
	for _, p := range parts {
		paths = append(paths, p.Paths()...)
	}
	a.cleanup.Add(1)
	go func() {
		defer a.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.Remove(ctx, paths...); err != nil {
			a.logger.Warn("Failed to delete partition files", zap.Strings("paths", paths), zap.Error(err))
		}
	}()
}

// mergeFunc copies partition i into w
type mergeFunc func(w io.Writer, r io.Reader, index int) error

// concat streams the partition files into target through a pipe
func (a *Assembler) concat(ctx context.Context, target string, paths []string, merge mergeFunc, withBOM bool) error {
	pr, pw := io.Pipe()

	go func() {
		pw.CloseWithError(a.writeParts(ctx, pw, paths, merge, withBOM))
	}()

	if err := a.store.Put(ctx, target, pr, -1); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("write %s: %w", target, err)
	}
	return nil
}

func (a *Assembler) writeParts(ctx context.Context, pw io.Writer, paths []string, merge mergeFunc, withBOM bool) error {
	w := pw
	var bom io.WriteCloser
	if withBOM {
		bom = transform.NewWriter(pw, unicode.UTF8BOM.NewEncoder())
		w = bom
	}

	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := a.store.Get(ctx, p)
		if errors.Is(err, errors.ErrNotFound) {
			a.logger.Debug("Partition file absent", zap.String("path", p))
			continue
		}
		if err != nil {
			return err
		}
		err = merge(w, rc, i)
		rc.Close()
		if err != nil {
			return fmt.Errorf("merge %s: %w", p, err)
		}
	}

	if bom != nil {
		return bom.Close()
	}
	return nil
}

func copyAll(w io.Writer, r io.Reader, _ int) error {
	_, err := io.Copy(w, r)
	return err
}

// mergeCSV keeps the header of partition 0 only
func mergeCSV(w io.Writer, r io.Reader, index int) error {
	if index == 0 {
		return copyAll(w, r, index)
	}
	br := bufio.NewReader(r)
	if _, err := br.ReadString('\n'); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	_, err := io.Copy(w, br)
	return err
}

func csvPaths(parts []partition.Descriptor) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.CSVPath
	}
	return out
}

func jsonPaths(parts []partition.Descriptor) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = p.JSONPath
	}
	return out
}

func marcPaths(parts []partition.Descriptor) []string {
	var out []string
	for _, p := range parts {
		if p.MarcPath != "" {
			out = append(out, p.MarcPath)
		}
	}
	return out
}
