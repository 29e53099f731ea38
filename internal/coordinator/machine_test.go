package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

var (
	idDana = types.PersonaIdentity{RecipientName: "Dana", JobTitle: "CTO", Company: "Acme"}
	idLee  = types.PersonaIdentity{RecipientName: "Lee", JobTitle: "CFO", Company: "Globex"}
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine()
	var seen []State
	m.OnTransition(func(_, to State) { seen = append(seen, to) })

	gen, _, err := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, err)
	assert.True(t, m.IsCurrent(gen))

	require.NoError(t, m.JobCreated(gen, "task-1"))
	assert.Equal(t, "task-1", m.TaskID())
	require.NoError(t, m.Finish(gen, types.JobCompleted))

	assert.Equal(t, []State{StateSubmitting, StatePolling, StateCompleted}, seen)
	last, ok := m.LastCompleted()
	require.True(t, ok)
	assert.True(t, last.Equal(idDana))
	assert.False(t, m.IsCurrent(gen))
}

func TestMachineDecide(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, ActionSubmit, m.Decide(TriggerPersonaApplied, idDana).Action)

	gen, _, err := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, err)

	assert.Equal(t, ActionNone, m.Decide(TriggerPersonaApplied, idDana).Action, "same identity in flight")
	assert.Equal(t, ActionNone, m.Decide(TriggerRerank, idDana).Action, "re-rank while in flight")
	assert.Equal(t, ActionPreempt, m.Decide(TriggerPersonaApplied, idLee).Action)

	require.NoError(t, m.JobCreated(gen, "t"))
	require.NoError(t, m.Finish(gen, types.JobCompleted))

	assert.Equal(t, ActionNone, m.Decide(TriggerPersonaApplied, idDana).Action, "ranking already current")
	assert.Equal(t, ActionSubmit, m.Decide(TriggerRerank, idDana).Action)
	assert.Equal(t, ActionSubmit, m.Decide(TriggerPersonaApplied, idLee).Action)
}

func TestMachinePreemptReturnsPreviousGeneration(t *testing.T) {
	m := NewMachine()
	first, _, err := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, err)

	second, prev, err := m.Begin(TriggerPersonaApplied, idLee)
	require.NoError(t, err)

	assert.Equal(t, first, prev)
	assert.False(t, m.IsCurrent(first))
	assert.True(t, m.IsCurrent(second))
	assert.ErrorIs(t, m.JobCreated(first, "late"), ErrStaleGeneration)

	active, inFlight := m.Active()
	assert.True(t, inFlight)
	assert.True(t, active.Equal(idLee))
}

func TestMachineBeginRejectsNoOp(t *testing.T) {
	m := NewMachine()
	_, _, err := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, err)

	_, _, err = m.Begin(TriggerPersonaApplied, idDana)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMachineErrorBackoff(t *testing.T) {
	m := NewMachine()
	gen, _, _ := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, m.Fail(gen, types.JobFailed))
	assert.Equal(t, StateErrorBackoff, m.State())

	m.Acknowledge()
	assert.Equal(t, StateIdle, m.State())

	gen, _, err := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, err)
	assert.Equal(t, StateSubmitting, m.State())

	require.NoError(t, m.JobCreated(gen, "t"))
	require.NoError(t, m.Fail(gen, types.JobExpired))
	assert.Equal(t, types.JobExpired, m.LastStatus())

	_, _, err = m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, err, "an explicit trigger leaves ErrorBackoff and submits")
}

func TestMachineNewArticlesFlag(t *testing.T) {
	m := NewMachine()
	assert.False(t, m.ArticlesAdded(3), "no ranking yet")

	gen, _, _ := m.Begin(TriggerPersonaApplied, idDana)
	require.NoError(t, m.JobCreated(gen, "t"))
	require.NoError(t, m.Finish(gen, types.JobCompleted))

	assert.False(t, m.ArticlesAdded(0))
	assert.True(t, m.ArticlesAdded(2))

	_, _, err := m.Begin(TriggerPersonaApplied, idLee)
	require.NoError(t, err)
	assert.True(t, m.NewArticles(), "applying another persona does not clear the flag")

	m.Reset()
	_, _, err = m.Begin(TriggerRerank, idLee)
	require.NoError(t, err)
	assert.False(t, m.NewArticles(), "only an explicit re-rank clears the flag")
}

func TestMachineReset(t *testing.T) {
	m := NewMachine()
	gen, _, _ := m.Begin(TriggerPersonaApplied, idDana)
	m.Reset()

	assert.Equal(t, StateIdle, m.State())
	assert.False(t, m.IsCurrent(gen))
	assert.ErrorIs(t, m.Finish(gen, types.JobCompleted), ErrStaleGeneration)
}
