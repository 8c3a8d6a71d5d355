package envelope

import "fmt"

// InvalidStageIdentifierError reports a stage identifier outside the safe character set.
type InvalidStageIdentifierError struct {
	Stage  string
	Reason string
}

func (e *InvalidStageIdentifierError) Error() string {
	return fmt.Sprintf("invalid stage identifier %q: %s", e.Stage, e.Reason)
}
