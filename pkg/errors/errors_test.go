package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCause(t *testing.T) {
	inner := New("disk quota exceeded")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "plain error",
			err:  inner,
			want: "disk quota exceeded",
		},
		{
			name: "wrapped chain",
			err:  fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", inner)),
			want: "disk quota exceeded",
		},
		{
			name: "fatal over joined storage failure",
			err: NewFatal(CodeStorage, "write matched csv",
				Join(ErrStorage, fmt.Errorf("write runs/x/matched.csv: %w", inner))),
			want: "disk quota exceeded",
		},
		{
			name: "fatal over sentinel",
			err:  NewFatal(CodeSkipLimit, "too many skips", ErrSkipLimitExceeded),
			want: ErrSkipLimitExceeded.Error(),
		},
		{
			name: "join of a single sentinel",
			err:  NewFatal(CodeConfiguration, "rules", Join(ErrConfiguration)),
			want: "configuration error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RootCause(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Error())
		})
	}
}

func TestRootCause_Nil(t *testing.T) {
	assert.Nil(t, RootCause(nil))
}

func TestClassSuffix(t *testing.T) {
	joined := Join(ErrStorage, New("boom"))

	assert.Equal(t, "FatalError", ClassSuffix(NewFatal(CodeStorage, "write", joined)))
	assert.Equal(t, "SkippableError", ClassSuffix(NewSkippable("a1", CodeNoMatch, "No match found", ErrNoMatch)))
	assert.Equal(t, "", ClassSuffix(nil))
}

func TestIsSkippable_FatalWins(t *testing.T) {
	skip := NewSkippable("a1", CodeTransport, "timeout", ErrTransientTransport)

	assert.True(t, IsSkippable(skip))
	assert.False(t, IsSkippable(NewFatal(CodeInternal, "processing a1", skip)))
	assert.True(t, IsTransient(skip))
}
