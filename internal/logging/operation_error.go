package logging

// OperationError records which step of an attempt failed. It keeps the
// underlying error reachable through errors.Is and errors.As.
type OperationError struct {
	Operation string
	AttemptID string
	Err       error
}

func (e *OperationError) Error() string {
	msg := e.Operation + ": " + e.Err.Error()
	if e.AttemptID == "" {
		return msg
	}
	return "attempt " + e.AttemptID + ": " + msg
}

func (e *OperationError) Unwrap() error { return e.Err }

// NewOperationError wraps err with the operation it failed in. A nil err stays nil.
func NewOperationError(operation, attemptID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, AttemptID: attemptID, Err: err}
}
