package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/output"
	"github.com/wehubfusion/Daedalus/pkg/partition"
	"github.com/wehubfusion/Daedalus/pkg/repository"
	"github.com/wehubfusion/Daedalus/pkg/source"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// mockProcessor interprets the line prefix: ok, skip, warn, many or fatal
type mockProcessor struct {
	mu    sync.Mutex
	lines []string
}

func (m *mockProcessor) ProcessLine(ctx context.Context, line string, out Emitter) (LineResult, error) {
	m.mu.Lock()
	m.lines = append(m.lines, line)
	m.mu.Unlock()

	switch {
	case strings.HasPrefix(line, "skip"):
		return LineResult{}, errors.NewSkippable(line, errors.CodeNoMatch, "No match found", errors.ErrNoMatch)
	case strings.HasPrefix(line, "fatal"):
		return LineResult{Identifier: "hrid-" + line}, fmt.Errorf("unexpected failure on %s", line)
	}

	copies := 1
	if strings.HasPrefix(line, "many") {
		copies = 3
	}
	for i := 0; i < copies; i++ {
		id := line
		if copies > 1 {
			id = fmt.Sprintf("%s.%d", line, i)
		}
		rec := domain.ResolvedRecord{Tenant: "diku", Entity: json.RawMessage(fmt.Sprintf(`{"id":%q,"hrid":%q}`, id, id))}
		if err := out.WriteRecord(ctx, rec); err != nil {
			return LineResult{}, err
		}
	}
	res := LineResult{Records: copies}
	if strings.HasPrefix(line, "warn") {
		res.Warnings = []*errors.SkippableError{errors.NewWarning(line, errors.CodeDuplicate, "Duplicate entry", errors.ErrDuplicateEntity)}
	}
	return res, nil
}

func (m *mockProcessor) processed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

var testColumns = output.Columns{
	{Header: "Id", Visible: true, Value: func(r domain.ResolvedRecord) string { return r.ID() }},
}

type runnerFixture struct {
	store     *storage.MemoryStore
	errors    *repository.MemoryErrorStore
	processor *mockProcessor
	skips     *SkipHandler
	runner    *PartitionRunner
	parts     []partition.Descriptor
}

func newRunnerFixture(t *testing.T, lines []string, partSize int64, skipLimit int64) *runnerFixture {
	t.Helper()
	store := storage.NewMemoryStore()
	require.NoError(t, storage.PutBytes(context.Background(), store, "in.txt", []byte(strings.Join(lines, "\n"))))

	p, err := partition.New(partSize)
	require.NoError(t, err)

	f := &runnerFixture{
		store:     store,
		errors:    repository.NewMemoryErrorStore(),
		processor: &mockProcessor{},
		parts:     p.Split(int64(len(lines)), "tmp/out", false),
	}
	f.skips = NewSkipHandler("run-1", PhaseMatch, skipLimit, f.errors, nil, nil)
	f.runner, err = NewPartitionRunner(PartitionRunnerConfig{
		Phase:     PhaseMatch,
		Store:     store,
		Source:    source.NewIdentifierSource(store, "in.txt"),
		Processor: f.processor,
		Skips:     f.skips,
		Columns:   testColumns,
		Limiter:   concurrency.NewLimiter(2),
	}, nil)
	require.NoError(t, err)
	return f
}

func TestNewPartitionRunner_Validation(t *testing.T) {
	store := storage.NewMemoryStore()
	src := source.NewIdentifierSource(store, "in.txt")
	skips := NewSkipHandler("run-1", PhaseMatch, 0, repository.NewMemoryErrorStore(), nil, nil)

	tests := []struct {
		name string
		cfg  PartitionRunnerConfig
	}{
		{"nil store", PartitionRunnerConfig{Source: src, Processor: &mockProcessor{}, Skips: skips, Columns: testColumns}},
		{"nil source", PartitionRunnerConfig{Store: store, Processor: &mockProcessor{}, Skips: skips, Columns: testColumns}},
		{"nil processor", PartitionRunnerConfig{Store: store, Source: src, Skips: skips, Columns: testColumns}},
		{"nil skips", PartitionRunnerConfig{Store: store, Source: src, Processor: &mockProcessor{}, Columns: testColumns}},
		{"no columns", PartitionRunnerConfig{Store: store, Source: src, Processor: &mockProcessor{}, Skips: skips}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPartitionRunner(tt.cfg, nil)
			require.Error(t, err)
		})
	}
}

func TestPartitionRunner_ProcessesEveryLine(t *testing.T) {
	lines := []string{"ok-1", "skip-2", "ok-3", "warn-4", "ok-5"}
	f := newRunnerFixture(t, lines, 2, 10)

	summary, err := f.runner.Run(context.Background(), f.parts)
	require.NoError(t, err)

	assert.Equal(t, int64(5), summary.Processed)
	assert.Equal(t, int64(4), summary.Matched)
	assert.ElementsMatch(t, lines, f.processor.processed())
	assert.Equal(t, int64(2), f.skips.Skips())

	csv0, err := storage.ReadAll(context.Background(), f.store, f.parts[0].CSVPath)
	require.NoError(t, err)
	assert.Equal(t, "Id\nok-1\n", string(csv0))

	json2, err := storage.ReadAll(context.Background(), f.store, f.parts[2].JSONPath)
	require.NoError(t, err)
	assert.Contains(t, string(json2), `"id":"ok-5"`)
}

func TestPartitionRunner_FatalStopsRun(t *testing.T) {
	lines := []string{"ok-1", "fatal-2", "ok-3", "ok-4"}
	f := newRunnerFixture(t, lines, 2, 10)

	_, err := f.runner.Run(context.Background(), f.parts)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, errors.RootCause(err).Error(), "unexpected failure on fatal-2")

	var fatalErr *errors.FatalError
	require.True(t, errors.As(err, &fatalErr))
	assert.Equal(t, "processing hrid-fatal-2", fatalErr.Message)
}

func TestPartitionRunner_MatchedCountsLinesNotRecords(t *testing.T) {
	lines := []string{"many-1", "ok-2", "skip-3"}
	f := newRunnerFixture(t, lines, 2, 10)

	summary, err := f.runner.Run(context.Background(), f.parts)
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.Processed)
	assert.Equal(t, int64(2), summary.Matched)
	assert.Equal(t, int64(4), summary.Records)
	assert.LessOrEqual(t, summary.Matched, summary.Processed)
}

func TestPartitionRunner_SkipLimit(t *testing.T) {
	lines := []string{"skip-1", "skip-2", "skip-3"}
	f := newRunnerFixture(t, lines, 10, 2)

	_, err := f.runner.Run(context.Background(), f.parts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSkipLimitExceeded))
}

func TestPartitionRunner_CancelledRun(t *testing.T) {
	f := newRunnerFixture(t, []string{"ok-1", "ok-2"}, 1, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.Run(ctx, f.parts)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.processor.processed())
}
