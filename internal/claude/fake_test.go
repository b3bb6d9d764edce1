package claude

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRunner_ScriptedTurn(t *testing.T) {
	runner := NewFakeRunner()
	runner.SetScript(
		NewAssistantEvent("fake answer"),
		NewResultEventWithUsage("fake answer", 3, 4),
	)

	sess, err := runner.Start(context.Background(), SessionOptions{Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	ch, err := sess.Send(context.Background(), "question")
	require.NoError(t, err)

	events := collectEvents(t, ch, 5*time.Second)
	require.Len(t, events, 2)
	assert.Equal(t, "fake answer", events[0].AssistantText())
	assert.True(t, events[1].Terminal())

	fs := runner.Sessions()[0]
	assert.Equal(t, []string{"question"}, fs.Prompts())
	assert.Equal(t, "claude-sonnet-4-20250514", fs.Opts().Model)
	assert.Equal(t, 1, runner.StartedCount())
}

func TestFakeRunner_StartErr(t *testing.T) {
	runner := NewFakeRunner()
	boom := errors.New("spawn failed")
	runner.SetStartErr(boom)

	_, err := runner.Start(context.Background(), SessionOptions{})
	assert.ErrorIs(t, err, boom)

	runner.SetStartErr(nil)
	_, err = runner.Start(context.Background(), SessionOptions{})
	assert.NoError(t, err)
}

func TestFakeSession_InterruptMidTurn(t *testing.T) {
	runner := NewFakeRunner()
	runner.SetEventDelay(time.Hour) // never finishes on its own

	sess, err := runner.Start(context.Background(), SessionOptions{})
	require.NoError(t, err)

	ch, err := sess.Send(context.Background(), "slow")
	require.NoError(t, err)

	require.NoError(t, sess.Interrupt())

	events := collectEvents(t, ch, 5*time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, SubtypeInterrupted, events[0].Subtype)
	assert.True(t, events[0].IsError())
}

func TestFakeSession_DieMidTurn(t *testing.T) {
	runner := NewFakeRunner()
	sess, err := runner.Start(context.Background(), SessionOptions{})
	require.NoError(t, err)

	runner.Sessions()[0].SetDieMidTurn(true)

	ch, err := sess.Send(context.Background(), "doomed")
	require.NoError(t, err)

	events := collectEvents(t, ch, 5*time.Second)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, SubtypeProcessDied, last.Subtype)
	assert.False(t, sess.Alive())

	_, err = sess.Send(context.Background(), "again")
	assert.ErrorIs(t, err, ErrSessionDead)
}

func TestFakeSession_SendErr(t *testing.T) {
	runner := NewFakeRunner()
	sess, err := runner.Start(context.Background(), SessionOptions{})
	require.NoError(t, err)

	boom := errors.New("stdin gone")
	runner.Sessions()[0].SetSendErr(boom)

	_, err = sess.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, boom)
}

func TestFakeSession_StopCounts(t *testing.T) {
	runner := NewFakeRunner()
	sess, err := runner.Start(context.Background(), SessionOptions{})
	require.NoError(t, err)

	require.NoError(t, sess.Stop())
	require.NoError(t, sess.Stop())
	assert.Equal(t, 2, runner.Sessions()[0].Stops())
	assert.False(t, sess.Alive())
}
