package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/krew-solutions/whizbang-go/whizbang/ident"
)

type reportedOutcome struct {
	id      ident.ID
	outcome Outcome
	err     error
}

type recordingReporter struct {
	mu       sync.Mutex
	reports  []reportedOutcome
	reportFn func(msg Message, outcome Outcome, err error) error
}

func (r *recordingReporter) Report(_ context.Context, msg Message, outcome Outcome, err error) error {
	r.mu.Lock()
	r.reports = append(r.reports, reportedOutcome{id: msg.ID, outcome: outcome, err: err})
	r.mu.Unlock()
	if r.reportFn != nil {
		return r.reportFn(msg, outcome, err)
	}
	return nil
}

func (r *recordingReporter) recorded() []reportedOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportedOutcome(nil), r.reports...)
}

func streamMessages(streamID ident.ID, sequences ...int64) []Message {
	messages := make([]Message, len(sequences))
	for i, sequence := range sequences {
		messages[i] = Message{
			ID:       ident.New(),
			StreamID: streamID,
			Sequence: sequence,
			Topic:    "orders",
			Payload:  []byte(`{}`),
		}
	}
	return messages
}

func TestProcessRunsStreamInSequenceOrder(t *testing.T) {
	p := NewOrderedStreamProcessor(4, nil)
	streamID := ident.New()
	messages := streamMessages(streamID, 3, 1, 2)

	var mu sync.Mutex
	var processed []int64
	action := func(_ context.Context, msg Message) (Outcome, error) {
		mu.Lock()
		processed = append(processed, msg.Sequence)
		mu.Unlock()
		return Handled, nil
	}

	err := p.Process(context.Background(), messages, action, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, processed)
}

func TestProcessReportsEveryHandledMessage(t *testing.T) {
	p := NewOrderedStreamProcessor(4, nil)
	messages := append(
		streamMessages(ident.New(), 1, 2),
		streamMessages(ident.New(), 1)...,
	)

	reporter := &recordingReporter{}
	action := func(context.Context, Message) (Outcome, error) {
		return Handled, nil
	}

	err := p.Process(context.Background(), messages, action, reporter)
	require.NoError(t, err)
	require.Len(t, reporter.recorded(), 3)
	for _, report := range reporter.recorded() {
		assert.Equal(t, Handled, report.outcome)
	}
}

func TestProcessFailureAbandonsStreamRemainder(t *testing.T) {
	p := NewOrderedStreamProcessor(1, nil)
	streamID := ident.New()
	messages := streamMessages(streamID, 1, 2, 3)
	failingID := messages[1].ID

	reporter := &recordingReporter{}
	action := func(_ context.Context, msg Message) (Outcome, error) {
		if msg.ID == failingID {
			return TransientFailure, errors.New("broker unavailable")
		}
		return Handled, nil
	}

	err := p.Process(context.Background(), messages, action, reporter)
	require.NoError(t, err, "a reported failure is not a Process error")

	reports := reporter.recorded()
	require.Len(t, reports, 2, "the message after the failure must stay unreported")
	assert.Equal(t, Handled, reports[0].outcome)
	assert.Equal(t, TransientFailure, reports[1].outcome)
	assert.Equal(t, failingID, reports[1].id)
}

func TestProcessFailureInOneStreamDoesNotStopOthers(t *testing.T) {
	p := NewOrderedStreamProcessor(2, nil)
	failing := streamMessages(ident.New(), 1)
	healthy := streamMessages(ident.New(), 1, 2)

	reporter := &recordingReporter{}
	action := func(_ context.Context, msg Message) (Outcome, error) {
		if msg.ID == failing[0].ID {
			return PermanentFailure, errors.New("unknown recipient")
		}
		return Handled, nil
	}

	err := p.Process(context.Background(), append(failing, healthy...), action, reporter)
	require.NoError(t, err)
	assert.Len(t, reporter.recorded(), 3)
}

func TestProcessNormalizesUnclassifiedError(t *testing.T) {
	p := NewOrderedStreamProcessor(1, nil)
	messages := streamMessages(ident.New(), 1)

	reporter := &recordingReporter{}
	action := func(context.Context, Message) (Outcome, error) {
		return Handled, errors.New("oops")
	}

	err := p.Process(context.Background(), messages, action, reporter)
	require.NoError(t, err)
	reports := reporter.recorded()
	require.Len(t, reports, 1)
	assert.Equal(t, TransientFailure, reports[0].outcome)
	assert.Error(t, reports[0].err)
}

func TestProcessCancellationReportsCancelledAndReturnsError(t *testing.T) {
	p := NewOrderedStreamProcessor(1, nil)
	messages := streamMessages(ident.New(), 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	reporter := &recordingReporter{}
	action := func(ctx context.Context, msg Message) (Outcome, error) {
		cancel()
		return Cancelled, ctx.Err()
	}

	err := p.Process(ctx, messages, action, reporter)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	reports := reporter.recorded()
	require.Len(t, reports, 1, "the remainder is abandoned after cancellation")
	assert.Equal(t, Cancelled, reports[0].outcome)
}

func TestProcessReporterErrorStopsStream(t *testing.T) {
	p := NewOrderedStreamProcessor(1, nil)
	messages := streamMessages(ident.New(), 1, 2)

	reportErr := errors.New("flush failed")
	reporter := &recordingReporter{
		reportFn: func(Message, Outcome, error) error {
			return reportErr
		},
	}
	action := func(context.Context, Message) (Outcome, error) {
		return Handled, nil
	}

	err := p.Process(context.Background(), messages, action, reporter)
	require.Error(t, err)
	assert.ErrorIs(t, err, reportErr)
	assert.Len(t, reporter.recorded(), 1)
}

func TestProcessBoundsParallelism(t *testing.T) {
	p := NewOrderedStreamProcessor(1, nil)
	messages := append(
		append(streamMessages(ident.New(), 1), streamMessages(ident.New(), 1)...),
		streamMessages(ident.New(), 1)...,
	)

	var current, peak int32
	action := func(context.Context, Message) (Outcome, error) {
		c := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if c <= p || atomic.CompareAndSwapInt32(&peak, p, c) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return Handled, nil
	}

	err := p.Process(context.Background(), messages, action, &recordingReporter{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestProcessStreamOrderProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parallelism := rapid.IntRange(1, 8).Draw(t, "parallelism")
		streamCount := rapid.IntRange(1, 4).Draw(t, "streams")

		streams := make([]ident.ID, streamCount)
		want := make(map[ident.ID]int64, streamCount)
		var messages []Message
		for i := range streams {
			streamID := ident.New()
			streams[i] = streamID
			length := int64(rapid.IntRange(1, 6).Draw(t, "length"))
			want[streamID] = length
			sequences := make([]int64, length)
			for s := range sequences {
				sequences[s] = int64(s + 1)
			}
			messages = append(messages, streamMessages(streamID, sequences...)...)
		}
		for i := len(messages) - 1; i > 0; i-- {
			j := rapid.IntRange(0, i).Draw(t, "swap")
			messages[i], messages[j] = messages[j], messages[i]
		}

		var mu sync.Mutex
		seen := map[ident.ID][]int64{}
		action := func(_ context.Context, msg Message) (Outcome, error) {
			mu.Lock()
			seen[msg.StreamID] = append(seen[msg.StreamID], msg.Sequence)
			mu.Unlock()
			return Handled, nil
		}

		p := NewOrderedStreamProcessor(parallelism, nil)
		if err := p.Process(context.Background(), messages, action, &recordingReporter{}); err != nil {
			t.Fatalf("process failed: %v", err)
		}

		for _, streamID := range streams {
			sequences := seen[streamID]
			if int64(len(sequences)) != want[streamID] {
				t.Fatalf("stream %s handled %d of %d messages", streamID, len(sequences), want[streamID])
			}
			for i, sequence := range sequences {
				if sequence != int64(i+1) {
					t.Fatalf("stream %s ran out of order: %v", streamID, sequences)
				}
			}
		}
	})
}

func TestProcessEmptyInputIsNoop(t *testing.T) {
	p := NewOrderedStreamProcessor(0, nil)
	err := p.Process(context.Background(), nil, nil, nil)
	require.NoError(t, err)
}
