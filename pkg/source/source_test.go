package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/storage"
)

func newStore(t *testing.T, body string) *storage.MemoryStore {
	t.Helper()
	s := storage.NewMemoryStore()
	require.NoError(t, storage.PutBytes(context.Background(), s, "in.csv", []byte(body)))
	return s
}

func TestNormalizeIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "  abc \r", want: "abc"},
		{in: `"quoted value"`, want: "quoted value"},
		{in: `"`, want: `"`},
		{in: "\ufeff123", want: "123"},
		{in: "Cafe\u0301", want: "Caf\u00e9"},
		{in: "   ", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeIdentifier(tt.in), tt.in)
	}
}

func TestCount_SkipsBlankLines(t *testing.T) {
	src := NewIdentifierSource(newStore(t, "a\n\n  \nb\r\nc\n"), "in.csv")
	n, err := src.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestEach_Window(t *testing.T) {
	src := NewIdentifierSource(newStore(t, "a\nb\n\nc\nd\ne\n"), "in.csv")

	var got []string
	var indexes []int64
	err := src.Each(context.Background(), 1, 3, func(i int64, line string) error {
		indexes = append(indexes, i)
		got = append(got, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, got)
	assert.Equal(t, []int64{1, 2, 3}, indexes)
}

func TestEach_StopsOnError(t *testing.T) {
	src := NewIdentifierSource(newStore(t, "a\nb\nc\n"), "in.csv")
	boom := errors.New("boom")

	calls := 0
	err := src.Each(context.Background(), 0, 3, func(int64, string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestEach_StopsWhenCancelled(t *testing.T) {
	src := NewIdentifierSource(newStore(t, "a\nb\n"), "in.csv")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := src.Each(ctx, 0, 2, func(int64, string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEach_MissingObject(t *testing.T) {
	src := NewRecordSource(storage.NewMemoryStore(), "missing.json")
	err := src.Each(context.Background(), 0, 1, func(int64, string) error { return nil })
	assert.Error(t, err)
}
