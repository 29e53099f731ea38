// ============================================================================
// persona-curator 狀態機 - 個人化任務的唯一真實來源
// ============================================================================
//
// Package: internal/coordinator
// 文件: machine.go
// 功能: 決定何時送出評分任務，並保證同一畫像同時最多一個任務
//
// 狀態轉換 (State Machine):
//   Idle ──(套用畫像, 身份 ≠ 上次完成)──> Submitting
//   Submitting ──(任務建立)──> Polling
//   Submitting ──(送出失敗)──> ErrorBackoff
//   Polling ──(終態 completed / 部分結果)──> Completed
//   Polling ──(輪詢失敗 / 終態但無結果)──> ErrorBackoff
//   Completed ──(新身份 或 明確重新排序)──> Submitting
//   ErrorBackoff ──(下一個明確觸發)──> Idle，再依 Idle 規則判斷
//
// 進行中 (Submitting/Polling):
//   - 相同身份 → 忽略
//   - 不同身份 → 搶佔：舊任務不再追蹤，直接開始新任務
//
// 世代號 (generation):
//   每次 Begin() 遞增。所有後續轉換都帶著世代號，
//   被搶佔或取消的 goroutine 拿著舊世代號，無法改動狀態。
//
// 並發安全:
//   Machine 本身不加鎖，由 Coordinator.mu 保護。
//
// ============================================================================

package coordinator

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/persona-curator/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStaleGeneration 操作來自已被取代的任務
	ErrStaleGeneration = errors.New("stale job generation")
	// ErrInvalidTransition 目前狀態不允許此轉換
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State 個人化狀態
type State string

const (
	StateIdle         State = "idle"
	StateSubmitting   State = "submitting"
	StatePolling      State = "polling"
	StateCompleted    State = "completed"
	StateErrorBackoff State = "error_backoff"
)

// InFlight reports whether a job is being submitted or polled.
func (s State) InFlight() bool {
	return s == StateSubmitting || s == StatePolling
}

// Trigger 觸發來源
type Trigger string

const (
	// TriggerPersonaApplied 使用者套用（或切換）畫像，屬於自動觸發
	TriggerPersonaApplied Trigger = "persona_applied"
	// TriggerRerank 使用者明確要求重新排序（含確認新文章）
	TriggerRerank Trigger = "rerank"
)

// Action 決策結果
type Action int

const (
	ActionNone Action = iota
	ActionSubmit
	ActionPreempt
)

func (a Action) String() string {
	switch a {
	case ActionSubmit:
		return "submit"
	case ActionPreempt:
		return "preempt"
	}
	return "none"
}

// Decision 對一個觸發的判斷
type Decision struct {
	Action Action
	Reason string
}

// Submits reports whether the decision starts a new job.
func (d Decision) Submits() bool {
	return d.Action == ActionSubmit || d.Action == ActionPreempt
}

// Machine 個人化狀態機
type Machine struct {
	state         State
	generation    uint64
	active        types.PersonaIdentity // Submitting/Polling 時追蹤的身份
	taskID        string
	lastCompleted *types.PersonaIdentity
	lastStatus    types.JobStatus
	newArticles   bool

	onTransition func(from, to State)
}

// NewMachine 建立狀態機，初始狀態為 Idle
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// OnTransition registers a hook invoked on every state change.
func (m *Machine) OnTransition(fn func(from, to State)) {
	m.onTransition = fn
}

func (m *Machine) transition(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.onTransition != nil {
		m.onTransition(from, to)
	}
}

// Decide evaluates a trigger without changing state.
func (m *Machine) Decide(trigger Trigger, id types.PersonaIdentity) Decision {
	switch m.state {
	case StateSubmitting, StatePolling:
		if id.Equal(m.active) {
			return Decision{Action: ActionNone, Reason: "job already in flight for this persona"}
		}
		return Decision{Action: ActionPreempt, Reason: "persona changed while a job was in flight"}
	default:
		if trigger == TriggerRerank {
			return Decision{Action: ActionSubmit, Reason: "re-rank requested"}
		}
		if m.lastCompleted != nil && id.Equal(*m.lastCompleted) {
			return Decision{Action: ActionNone, Reason: "ranking already current for this persona"}
		}
		return Decision{Action: ActionSubmit, Reason: "persona applied"}
	}
}

// Acknowledge consumes an explicit trigger that did not submit.
// ErrorBackoff returns to Idle; other states are untouched.
func (m *Machine) Acknowledge() {
	if m.state == StateErrorBackoff {
		m.transition(StateIdle)
	}
}

// Begin enters Submitting for id and returns the new generation. When the
// decision preempts a job, prev is the generation of the abandoned job.
func (m *Machine) Begin(trigger Trigger, id types.PersonaIdentity) (gen, prev uint64, err error) {
	d := m.Decide(trigger, id)
	if !d.Submits() {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidTransition, d.Reason)
	}
	if d.Action == ActionPreempt {
		prev = m.generation
	}

	m.Acknowledge()
	m.generation++
	m.active = id
	m.taskID = ""
	if trigger == TriggerRerank {
		m.newArticles = false
	}
	m.transition(StateSubmitting)
	return m.generation, prev, nil
}

// IsCurrent reports whether gen is the job the machine is tracking.
func (m *Machine) IsCurrent(gen uint64) bool {
	return gen == m.generation && m.state.InFlight()
}

func (m *Machine) guard(gen uint64, want State) error {
	if gen != m.generation {
		return ErrStaleGeneration
	}
	if m.state != want {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidTransition, m.state, want)
	}
	return nil
}

// JobCreated moves Submitting to Polling.
func (m *Machine) JobCreated(gen uint64, taskID string) error {
	if err := m.guard(gen, StateSubmitting); err != nil {
		return err
	}
	m.taskID = taskID
	m.transition(StatePolling)
	return nil
}

// Finish records a terminal status with a usable ranking and moves to Completed.
func (m *Machine) Finish(gen uint64, status types.JobStatus) error {
	if err := m.guard(gen, StatePolling); err != nil {
		return err
	}
	id := m.active
	m.lastCompleted = &id
	m.lastStatus = status
	m.transition(StateCompleted)
	return nil
}

// Fail moves a submitting or polling job to ErrorBackoff.
func (m *Machine) Fail(gen uint64, status types.JobStatus) error {
	if gen != m.generation {
		return ErrStaleGeneration
	}
	if !m.state.InFlight() {
		return fmt.Errorf("%w: %s is not in flight", ErrInvalidTransition, m.state)
	}
	m.lastStatus = status
	m.transition(StateErrorBackoff)
	return nil
}

// Reset abandons the tracked job and returns to Idle.
func (m *Machine) Reset() {
	if !m.state.InFlight() {
		return
	}
	m.generation++
	m.taskID = ""
	m.transition(StateIdle)
}

// ArticlesAdded raises the new-articles flag when a ranking exists or is
// being computed. It reports whether the flag is set afterwards.
func (m *Machine) ArticlesAdded(n int) bool {
	if n <= 0 {
		return m.newArticles
	}
	if m.state.InFlight() || m.state == StateCompleted {
		m.newArticles = true
	}
	return m.newArticles
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Generation returns the generation of the most recent job.
func (m *Machine) Generation() uint64 { return m.generation }

// Active returns the identity of the in-flight job.
func (m *Machine) Active() (types.PersonaIdentity, bool) {
	return m.active, m.state.InFlight()
}

// TaskID returns the remote task id of the in-flight job, if created.
func (m *Machine) TaskID() string { return m.taskID }

// LastCompleted returns the identity of the latest completed ranking.
func (m *Machine) LastCompleted() (types.PersonaIdentity, bool) {
	if m.lastCompleted == nil {
		return types.PersonaIdentity{}, false
	}
	return *m.lastCompleted, true
}

// LastStatus returns the terminal status of the latest finished job.
func (m *Machine) LastStatus() types.JobStatus { return m.lastStatus }

// NewArticles reports whether new articles arrived since the last re-rank.
func (m *Machine) NewArticles() bool { return m.newArticles }
