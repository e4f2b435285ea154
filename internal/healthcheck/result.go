package healthcheck

// StepStatus is the outcome of a single check step.
type StepStatus string

const (
	StepPass StepStatus = "pass"
	StepFail StepStatus = "fail"
)

// StepResult is one named assertion inside a stage.
type StepResult struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Remark string     `json:"remark"`
}

// StageResult carries the step results of one completed stage.
type StageResult struct {
	Name  string       `json:"name"`
	Steps []StepResult `json:"steps"`
}

// Result is the full snapshot for one model within a session. Every emitted
// event carries the model's complete process so far, never a diff; a later
// event for the same model supersedes the earlier one wholesale.
type Result struct {
	Model   string         `json:"model"`
	Process []*StageResult `json:"process"`
}

// Overall derives the rollup status: fail if any step anywhere in the
// process failed, pass otherwise.
func (r *Result) Overall() StepStatus {
	for _, stage := range r.Process {
		for _, step := range stage.Steps {
			if step.Status == StepFail {
				return StepFail
			}
		}
	}
	return StepPass
}

// clone returns a snapshot copy safe to hand to consumers while later
// stages keep appending to the working result.
func (r *Result) clone() *Result {
	process := make([]*StageResult, len(r.Process))
	copy(process, r.Process)
	return &Result{Model: r.Model, Process: process}
}
