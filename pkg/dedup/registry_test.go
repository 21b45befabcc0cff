package dedup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/domain"
	"github.com/wehubfusion/Daedalus/pkg/errors"
)

func TestClaim_SecondClaimIsDuplicateWarning(t *testing.T) {
	r := New("run-1")
	id := domain.Identifier{Type: domain.IdentifierBarcode, Value: "X1"}

	require.NoError(t, r.Claim(id))

	err := r.Claim(id)
	require.Error(t, err)
	skipErr, ok := errors.AsSkippable(err)
	require.True(t, ok)
	assert.Equal(t, errors.SeverityWarning, skipErr.Severity)
	assert.Equal(t, "Duplicate entry", skipErr.Message)
	assert.Equal(t, "X1", skipErr.Identifier)
	assert.True(t, errors.Is(err, errors.ErrDuplicateIdentifier))
	assert.Equal(t, int64(1), r.ClaimedCount())
}

func TestClaim_KeyIncludesType(t *testing.T) {
	r := New("run-1")
	require.NoError(t, r.Claim(domain.Identifier{Type: domain.IdentifierBarcode, Value: "42"}))
	require.NoError(t, r.Claim(domain.Identifier{Type: domain.IdentifierHRID, Value: "42"}))
	assert.True(t, r.IsClaimed(domain.Identifier{Type: domain.IdentifierHRID, Value: "42"}))
}

func TestMarkFetched(t *testing.T) {
	r := New("run-1")
	require.NoError(t, r.MarkFetched("a", "entity-1"))

	err := r.MarkFetched("b", "entity-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicateEntity))
	assert.True(t, r.IsFetched("entity-1"))

	err = r.MarkFetched("c", "")
	require.Error(t, err)
	skipErr, ok := errors.AsSkippable(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeMissingID, skipErr.Code)
	assert.Equal(t, errors.SeverityError, skipErr.Severity)
	assert.Equal(t, "c", skipErr.Identifier)
	assert.True(t, errors.Is(err, errors.ErrMissingEntityID))
}

func TestClaim_ConcurrentWorkersExactlyOneWinner(t *testing.T) {
	r := New("run-1")
	id := domain.Identifier{Type: domain.IdentifierID, Value: "same"}

	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Claim(id) == nil {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins)
}
