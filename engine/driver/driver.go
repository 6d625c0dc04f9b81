package driver

import "context"

// Result is a driver invocation's output: output key -> value. Extractors
// and transformers return tabular values (conventionally under "df");
// writers consume inputs and return an empty Result.
type Result map[string]any

// RunContext is the per-run surface a driver may call back into: structured
// session logging and the run-scoped shared in-process database handle.
type RunContext interface {
	LogEvent(name string, fields map[string]any)
	// LogMetric records a metric; drivers report rows via
	// LogMetric("rows_read"|"rows_written", n, "", stepID).
	LogMetric(name string, value float64, unit, stepID string)
	// DBConnection returns the run-scoped in-process database handle.
	// Drivers must not share it across goroutines.
	DBConnection() (any, error)
}

// Request carries everything a driver needs for one step invocation.
type Request struct {
	StepID string
	// Config is the post-resolution step config: parameters substituted,
	// meta keys stripped, resolved_connection injected when the step names
	// a connection.
	Config map[string]any
	// Inputs maps each upstream step id to that step's Result.
	Inputs map[string]Result
}

// Driver realizes a component. Implementations are reused across steps in a
// run and are not safe for concurrent use unless documented otherwise.
type Driver interface {
	Run(ctx context.Context, req *Request, rc RunContext) (Result, error)
}

// Factory produces a driver instance. Registered per component name.
type Factory func() (Driver, error)
