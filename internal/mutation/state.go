package mutation

// State is a step of one orchestrated mutation.
type State string

const (
	StateAdmitted           State = "ADMITTED"
	StateDedupChecked       State = "DEDUP_CHECKED"
	StateConcurrencyChecked State = "CONCURRENCY_CHECKED"
	StateCommitted          State = "COMMITTED"
	StateResponded          State = "RESPONDED"
	StateRejected           State = "REJECTED"
)

// trace records how far an invocation got. The terminal state is RESPONDED
// or REJECTED; reached is the last gate passed before that.
type trace struct {
	reached State
	final   State
	reason  string
}

func (t *trace) advance(s State) { t.reached = s }

func (t *trace) reject(reason string) {
	t.final = StateRejected
	t.reason = reason
}

func (t *trace) respond() {
	t.final = StateResponded
}
