package schema

// Label is the classification state of an execution interval.
type Label int8

const (
	// LabelOutlier marks an execution scored anomalous.
	LabelOutlier Label = -1
	// LabelUnclassified marks an execution the model has not yet processed.
	LabelUnclassified Label = 0
	// LabelNormal marks an execution scored normal.
	LabelNormal Label = 1
)

// String renders the label for serialised records.
func (l Label) String() string {
	switch l {
	case LabelOutlier:
		return "outlier"
	case LabelNormal:
		return "normal"
	default:
		return "unclassified"
	}
}

// Message is a communication event attached to an execution interval.
type Message struct {
	Kind      EventKind `json:"kind"`
	Partner   uint64    `json:"partner"`
	Bytes     uint64    `json:"bytes"`
	Tag       uint64    `json:"tag"`
	Timestamp uint64    `json:"ts"`
	Thread    uint64    `json:"tid"`
	ExecKey   string    `json:"execdata_key"`
}

// CounterSample is a counter event attached to an execution interval.
type CounterSample struct {
	CounterID   uint64 `json:"counter_idx"`
	CounterName string `json:"counter_name"`
	Value       uint64 `json:"counter_value"`
	Timestamp   uint64 `json:"ts"`
	Thread      uint64 `json:"tid"`
}

// Execution is one function invocation on one thread, reconstructed from a
// matched Entry/Exit pair. Parent, children and correlation partners are
// identifier links into the execution manager's arena.
type Execution struct {
	ID       ExecID
	Program  uint64
	Rank     uint64
	Thread   uint64
	FuncID   uint64
	FuncName string

	Entry uint64
	Exit  uint64 // 0 while the interval is open

	Parent   ExecID
	Children []ExecID

	Messages []Message
	Counters []CounterSample

	// CorrelationIDs seen between entry and exit; CorrPartners are the
	// executions bound through a shared correlation id.
	CorrelationIDs []uint64
	CorrPartners   []ExecID

	// GPU marks executions on a device thread per the metadata registry.
	GPU bool

	Label Label
	Score float64

	// Exclusive runtime accumulates as children close; inclusive is derived
	// from the entry and exit stamps.
	exclusiveDeduction uint64
}

// NewExecution opens an interval for a function entry.
func NewExecution(id ExecID, e Event) *Execution {
	return &Execution{
		ID:      id,
		Program: e.Program,
		Rank:    e.Rank,
		Thread:  e.Thread,
		FuncID:  e.FuncID,
		Entry:   e.Timestamp,
		Parent:  RootID,
		Label:   LabelUnclassified,
	}
}

// Closed reports whether the interval has seen its exit event.
func (x *Execution) Closed() bool { return x.Exit != 0 }

// Close stamps the exit timestamp.
func (x *Execution) Close(ts uint64) { x.Exit = ts }

// Inclusive returns exit − entry, or 0 while open.
func (x *Execution) Inclusive() uint64 {
	if !x.Closed() {
		return 0
	}
	return x.Exit - x.Entry
}

// Exclusive returns the inclusive runtime minus the inclusive runtimes of
// all children, or 0 while open.
func (x *Execution) Exclusive() uint64 {
	inc := x.Inclusive()
	if x.exclusiveDeduction > inc {
		return 0
	}
	return inc - x.exclusiveDeduction
}

// DeductChild subtracts a closed child's inclusive runtime from this
// interval's exclusive runtime.
func (x *Execution) DeductChild(childInclusive uint64) {
	x.exclusiveDeduction += childInclusive
}

// AttachMessage appends a communication event; the caller guarantees the
// timestamp lies within [entry, exit].
func (x *Execution) AttachMessage(m Message) {
	x.Messages = append(x.Messages, m)
}

// AttachCounter appends a counter sample; the caller guarantees the
// timestamp lies within [entry, exit].
func (x *Execution) AttachCounter(c CounterSample) {
	x.Counters = append(x.Counters, c)
}

// AddCorrelationID records a correlation id observed during the execution.
func (x *Execution) AddCorrelationID(id uint64) {
	x.CorrelationIDs = append(x.CorrelationIDs, id)
}

// AddCorrPartner links the execution bound through a shared correlation id.
func (x *Execution) AddCorrPartner(id ExecID) {
	x.CorrPartners = append(x.CorrPartners, id)
}
