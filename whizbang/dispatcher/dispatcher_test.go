package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/krew-solutions/whizbang-go/whizbang/coordinator"
)

type session struct{}

type addCommand struct {
	CommandBase[int]
	amount int
}

type echoCommand struct {
	CommandBase[string]
	text string
}

type tickEvent struct {
	count int
}

type noteEvent struct {
	text string
}

func newTestDispatcher(strategy coordinator.Strategy) *Dispatcher[*session] {
	return NewDispatcher[*session]("orders", strategy, Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// --- LocalInvoke ---

func TestLocalInvokeCallsReceptorAndReturnsResult(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var calledSession any
	var calledCommand any

	receptor := func(sess *session, cmd addCommand) (int, error) {
		calledSession = sess
		calledCommand = cmd
		return cmd.amount * 2, nil
	}

	RegisterReceptor(d, receptor)
	command := addCommand{amount: 4}
	result, err := LocalInvoke(d, s, command)

	assert.NoError(t, err)
	assert.Equal(t, 8, result)
	assert.Same(t, s, calledSession)
	assert.Equal(t, command, calledCommand)
}

func TestLocalInvokeWithoutReceptorReturnsError(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}

	result, err := LocalInvoke(d, s, addCommand{amount: 1})

	assert.ErrorIs(t, err, ErrReceptorNotRegistered)
	assert.Equal(t, 0, result)
}

func TestLocalInvokeDispatchesByCommandType(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		return cmd.amount + 1, nil
	})
	RegisterReceptor(d, func(sess *session, cmd echoCommand) (string, error) {
		return cmd.text, nil
	})

	sum, err1 := LocalInvoke(d, s, addCommand{amount: 9})
	text, err2 := LocalInvoke(d, s, echoCommand{text: "hello"})

	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.Equal(t, 10, sum)
	assert.Equal(t, "hello", text)
}

func TestRegisterReceptorReplacesEarlierOne(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var firstCalled bool

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		firstCalled = true
		return 0, nil
	})
	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		return 42, nil
	})

	result, err := LocalInvoke(d, s, addCommand{amount: 1})

	assert.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.False(t, firstCalled)
}

// --- UnregisterReceptor ---

func TestUnregisterReceptorRemovesRoute(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var called bool

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		called = true
		return 0, nil
	})

	err := UnregisterReceptor[*session, addCommand](d)
	assert.NoError(t, err)

	_, err = LocalInvoke(d, s, addCommand{amount: 2})

	assert.ErrorIs(t, err, ErrReceptorNotRegistered)
	assert.False(t, called)
}

func TestUnregisterReceptorWithoutRouteReturnsError(t *testing.T) {
	d := newTestDispatcher(nil)

	err := UnregisterReceptor[*session, addCommand](d)

	assert.ErrorIs(t, err, ErrReceptorNotRegistered)
}

func TestReceptorDisposeUnregisters(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}

	disp := RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		return 1, nil
	})
	disp.Dispose()

	_, err := LocalInvoke(d, s, addCommand{amount: 2})

	assert.ErrorIs(t, err, ErrReceptorNotRegistered)
}

// --- Pipelines ---

func TestTypedPipelineWrapsReceptor(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var callLog []string

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		callLog = append(callLog, "receptor")
		return cmd.amount * 2, nil
	})
	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		callLog = append(callLog, "before")
		result, err := next(sess, cmd)
		callLog = append(callLog, "after")
		return result, err
	})

	result, err := LocalInvoke(d, s, addCommand{amount: 3})

	assert.NoError(t, err)
	assert.Equal(t, 6, result)
	assert.Equal(t, []string{"before", "receptor", "after"}, callLog)
}

func TestPipelinesRunFirstAddedOutermost(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var callLog []string

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		callLog = append(callLog, "receptor")
		return 0, nil
	})
	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		callLog = append(callLog, "A-before")
		result, err := next(sess, cmd)
		callLog = append(callLog, "A-after")
		return result, err
	})
	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		callLog = append(callLog, "B-before")
		result, err := next(sess, cmd)
		callLog = append(callLog, "B-after")
		return result, err
	})

	_, err := LocalInvoke(d, s, addCommand{amount: 1})

	assert.NoError(t, err)
	assert.Equal(t, []string{
		"A-before", "B-before", "receptor", "B-after", "A-after",
	}, callLog)
}

func TestBroadcastPipelineRunsBeforeTypedPipeline(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var callLog []string

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		callLog = append(callLog, "receptor")
		return 0, nil
	})
	AddBroadcastPipeline(d, func(sess *session, command any, next func(*session, any) (any, error)) (any, error) {
		callLog = append(callLog, "broadcast")
		return next(sess, command)
	})
	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		callLog = append(callLog, "typed")
		return next(sess, cmd)
	})

	_, err := LocalInvoke(d, s, addCommand{amount: 1})

	assert.NoError(t, err)
	assert.Equal(t, []string{"broadcast", "typed", "receptor"}, callLog)
}

func TestPipelineCanModifyResult(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) {
		return cmd.amount, nil
	})
	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		result, err := next(sess, cmd)
		if err != nil {
			return 0, err
		}
		return result + 100, nil
	})

	result, err := LocalInvoke(d, s, addCommand{amount: 5})

	assert.NoError(t, err)
	assert.Equal(t, 105, result)
}

func TestPipelineIgnoresOtherCommandTypes(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var callLog []string

	RegisterReceptor(d, func(sess *session, cmd addCommand) (int, error) { return 0, nil })
	RegisterReceptor(d, func(sess *session, cmd echoCommand) (string, error) {
		return cmd.text, nil
	})
	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		callLog = append(callLog, "pipeline")
		return next(sess, cmd)
	})

	_, err := LocalInvoke(d, s, echoCommand{text: "x"})

	assert.NoError(t, err)
	assert.Empty(t, callLog)
}

func TestUnroutedCommandSkipsPipelines(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var callLog []string

	AddPipeline(d, func(sess *session, cmd addCommand, next Receptor[*session, addCommand, int]) (int, error) {
		callLog = append(callLog, "pipeline")
		return next(sess, cmd)
	})

	_, err := LocalInvoke(d, s, addCommand{amount: 1})

	assert.ErrorIs(t, err, ErrReceptorNotRegistered)
	assert.Empty(t, callLog)
}

// --- Publish ---

func TestPublishAppliesRegisteredPerspectives(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var sawCount int
	var notified bool

	RegisterPerspective(d, "counter", func(sess *session, e tickEvent) error {
		sawCount = e.count
		return nil
	})
	RegisterPerspective(d, "notifier", func(sess *session, e tickEvent) error {
		notified = true
		return nil
	})

	err := Publish(d, context.Background(), s, tickEvent{count: 3})

	assert.NoError(t, err)
	assert.Equal(t, 3, sawCount)
	assert.True(t, notified)
}

func TestPublishSkipsOtherEventTypes(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var called bool

	RegisterPerspective(d, "notes", func(sess *session, e noteEvent) error {
		called = true
		return nil
	})

	err := Publish(d, context.Background(), s, tickEvent{count: 1})

	assert.NoError(t, err)
	assert.False(t, called)
}

func TestPublishWithoutPerspectivesIsANoop(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}

	err := Publish(d, context.Background(), s, tickEvent{count: 1})

	assert.NoError(t, err)
}

func TestPublishAggregatesPerspectiveFailures(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	boom := errors.New("projection store down")

	RegisterPerspective(d, "healthy", func(sess *session, e tickEvent) error { return nil })
	RegisterPerspective(d, "broken", func(sess *session, e tickEvent) error { return boom })
	RegisterPerspective(d, "slow", func(sess *session, e tickEvent) error {
		return errors.New("deadline passed")
	})

	err := Publish(d, context.Background(), s, tickEvent{count: 1})

	assert.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "perspective broken")
	assert.Contains(t, err.Error(), "perspective slow")
	assert.NotContains(t, err.Error(), "perspective healthy")
}

// --- Perspective registration ---

func TestRegisterPerspectiveReplacesSameName(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var firstCalls, secondCalls int

	RegisterPerspective(d, "counter", func(sess *session, e tickEvent) error {
		firstCalls++
		return nil
	})
	RegisterPerspective(d, "counter", func(sess *session, e tickEvent) error {
		secondCalls++
		return nil
	})

	err := Publish(d, context.Background(), s, tickEvent{count: 1})

	assert.NoError(t, err)
	assert.Equal(t, 0, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestUnregisterPerspectiveRemovesNamedOne(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var counterCalled, notifierCalled bool

	RegisterPerspective(d, "counter", func(sess *session, e tickEvent) error {
		counterCalled = true
		return nil
	})
	RegisterPerspective(d, "notifier", func(sess *session, e tickEvent) error {
		notifierCalled = true
		return nil
	})

	UnregisterPerspective[*session, tickEvent](d, "counter")
	err := Publish(d, context.Background(), s, tickEvent{count: 1})

	assert.NoError(t, err)
	assert.False(t, counterCalled)
	assert.True(t, notifierCalled)
}

func TestUnregisterPerspectiveUnknownNameIsANoop(t *testing.T) {
	d := newTestDispatcher(nil)

	UnregisterPerspective[*session, tickEvent](d, "ghost")
}

func TestPerspectiveDisposeUnregisters(t *testing.T) {
	d := newTestDispatcher(nil)
	s := &session{}
	var called bool

	disp := RegisterPerspective(d, "counter", func(sess *session, e tickEvent) error {
		called = true
		return nil
	})
	disp.Dispose()

	err := Publish(d, context.Background(), s, tickEvent{count: 1})

	assert.NoError(t, err)
	assert.False(t, called)
}
