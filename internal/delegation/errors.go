package delegation

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is the default-deny outcome: the delegating agent
	// holds no sufficient grant for the skill.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrQuotaExhausted rejects a chain that has spent its delegation budget.
	ErrQuotaExhausted = errors.New("delegation quota exhausted")
	// ErrCycleDetected rejects a delegation back to an agent already in the
	// parent chain.
	ErrCycleDetected = errors.New("delegation cycle detected")
	// ErrHandlerNotFound fails dispatch when the target agent has no handler
	// registered for the skill.
	ErrHandlerNotFound = errors.New("no handler registered")
)

// ValidationError reports bad or missing identifiers. These are synchronous,
// caller-fixable failures; nothing is persisted for them.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
