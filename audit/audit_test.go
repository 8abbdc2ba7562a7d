package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type failingSink struct{}

func (failingSink) Append(context.Context, *Event) error {
	return errors.New("disk full")
}

// TestRecord checks event stamping and the fan out to every sink.
func TestRecord(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sink.Close())
	})

	logger := NewLogger(clock.NewTestClock(testNow), sink)

	e, err := logger.Record(
		context.Background(), KindInvalidTransactionType, "loan-1",
		WithTxType("refund"), WithRole("lender"),
		WithError(errors.New("invalid transaction type")),
	)
	require.NoError(t, err)
	require.Equal(t, testNow, e.Time)
	_, err = uuid.Parse(e.ID)
	require.NoError(t, err)

	_, err = logger.Record(
		context.Background(), KindTemplateSigned, "loan-2",
		WithError(nil),
	)
	require.NoError(t, err)

	events, err := sink.Events("loan-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, e, events[0])

	events, err = sink.Events("")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, KindTemplateSigned, events[1].Kind)
	require.Empty(t, events[1].Detail)

	// A failing sink does not stop the others.
	logger = NewLogger(clock.NewTestClock(testNow), failingSink{}, sink)
	_, err = logger.Record(
		context.Background(), KindUtxoMismatch, "loan-1",
	)
	require.ErrorContains(t, err, "disk full")

	events, err = sink.Events("loan-1")
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NoError(t, sink.Close())
	require.ErrorIs(t, sink.Append(context.Background(), e), ErrSinkClosed)
}

// TestReadEvents checks that malformed lines are skipped and a missing file
// reads as empty.
func TestReadEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	events, err := ReadEvents(filepath.Join(dir, "missing"), "")
	require.NoError(t, err)
	require.Empty(t, events)

	path := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		"{\"id\":\"a\",\"kind\":\"utxo_mismatch\",\"loan_id\":\"x\"}\n"+
			"not json\n\n"+
			"{\"id\":\"b\",\"kind\":\"template_signed\"}\n",
	), 0600))

	events, err = ReadEvents(path, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "a", events[0].ID)
	require.Equal(t, "b", events[1].ID)
}

// TestFileSinkConcurrent appends from many goroutines and expects no torn
// lines.
func TestFileSinkConcurrent(t *testing.T) {
	t.Parallel()

	sink, err := NewFileSink(filepath.Join(t.TempDir(), "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sink.Close())
	})

	logger := NewLogger(clock.NewTestClock(testNow), sink)

	const numEvents = 50
	var wg sync.WaitGroup
	for i := 0; i < numEvents; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := logger.Record(
				context.Background(), KindTemplateSigned, "loan",
			)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := sink.Events("loan")
	require.NoError(t, err)
	require.Len(t, events, numEvents)
}

// TestKindIsSecurity pins which kinds are security relevant.
func TestKindIsSecurity(t *testing.T) {
	t.Parallel()

	require.True(t, KindInvalidTransactionType.IsSecurity())
	require.True(t, KindUtxoMismatch.IsSecurity())
	require.True(t, KindWitnessScriptMismatch.IsSecurity())
	require.True(t, KindDecryptionFailure.IsSecurity())
	require.True(t, KindSignatureVerificationFailure.IsSecurity())
	require.False(t, KindTemplateSigned.IsSecurity())
	require.False(t, KindTemplateFinalized.IsSecurity())
}
