package processor

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"
)

// OrderedStreamProcessor runs claimed work with per-stream ordering:
// messages of one stream run strictly one after another in sequence
// order, while distinct streams run in parallel up to the configured
// bound.
type OrderedStreamProcessor struct {
	parallelism int64
	logger      *slog.Logger
}

func NewOrderedStreamProcessor(maxStreamParallelism int, logger *slog.Logger) *OrderedStreamProcessor {
	if maxStreamParallelism <= 0 {
		maxStreamParallelism = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderedStreamProcessor{
		parallelism: int64(maxStreamParallelism),
		logger:      logger,
	}
}

// Process groups the messages by stream, sorts each group by sequence
// and runs the action per message, reporting every outcome before the
// next message starts. A failed message abandons its group remainder:
// nothing is reported for the skipped messages, their leases lapse and
// the work comes back in order on a later claim.
//
// Failures are not Process errors; they travel through the reporter.
// Process itself fails on cancellation and on reporter errors.
func (p *OrderedStreamProcessor) Process(ctx context.Context, messages []Message, action Action, reporter Reporter) error {
	if len(messages) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(p.parallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var processErrs *multierror.Error

	for _, group := range groupByStream(messages) {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting for a slot. The remaining groups
			// are abandoned unreported.
			mu.Lock()
			processErrs = multierror.Append(processErrs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func(group []Message) {
			defer wg.Done()
			defer sem.Release(1)
			if err := p.processGroup(ctx, group, action, reporter); err != nil {
				mu.Lock()
				processErrs = multierror.Append(processErrs, err)
				mu.Unlock()
			}
		}(group)
	}

	wg.Wait()
	return processErrs.ErrorOrNil()
}

func (p *OrderedStreamProcessor) processGroup(ctx context.Context, group []Message, action Action, reporter Reporter) error {
	for i, msg := range group {
		outcome, actionErr := p.runAction(ctx, msg, action)
		// Reporter errors come back as-is: they are usually coordinator
		// errors the caller wants to recognize by type.
		if err := reporter.Report(ctx, msg, outcome, actionErr); err != nil {
			return err
		}
		if outcome == Handled {
			continue
		}

		if skipped := len(group) - i - 1; skipped > 0 {
			p.logger.Debug("stream_abandoned",
				"stream_id", msg.StreamID.String(),
				"skipped", skipped,
			)
		}
		if outcome == Cancelled {
			return ctx.Err()
		}
		return nil
	}
	return nil
}

func (p *OrderedStreamProcessor) runAction(ctx context.Context, msg Message, action Action) (Outcome, error) {
	if ctx.Err() != nil {
		return Cancelled, ctx.Err()
	}
	outcome, err := action(ctx, msg)
	if err != nil && ctx.Err() != nil {
		return Cancelled, err
	}
	if outcome == Handled && err != nil {
		// An action that errors without classifying is transient.
		return TransientFailure, err
	}
	return outcome, err
}

func groupByStream(messages []Message) [][]Message {
	index := map[string]int{}
	var groups [][]Message
	for _, msg := range messages {
		key := msg.StreamID.String()
		position, found := index[key]
		if !found {
			position = len(groups)
			index[key] = position
			groups = append(groups, nil)
		}
		groups[position] = append(groups[position], msg)
	}
	for _, group := range groups {
		sortGroup(group)
	}
	return groups
}

func sortGroup(group []Message) {
	sort.Slice(group, func(i, j int) bool {
		if group[i].Sequence != group[j].Sequence {
			return group[i].Sequence < group[j].Sequence
		}
		return group[i].ID.Compare(group[j].ID) < 0
	})
}
