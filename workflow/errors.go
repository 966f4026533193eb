package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a workflow failure.
type ErrorKind string

const (
	KindInvalidDefinition  ErrorKind = "InvalidDefinition"
	KindDefinitionNotFound ErrorKind = "DefinitionNotFound"
	KindInstanceNotFound   ErrorKind = "InstanceNotFound"
	KindTaskNotFound       ErrorKind = "TaskNotFound"
	KindInvalidState       ErrorKind = "InvalidState"
	KindTransitionNotFound ErrorKind = "TransitionNotFound"
	KindGuardRejected      ErrorKind = "GuardRejected"
	KindActionFailed       ErrorKind = "ActionFailed"
)

// Sentinel values for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidDefinition  = &Error{Kind: KindInvalidDefinition}
	ErrDefinitionNotFound = &Error{Kind: KindDefinitionNotFound}
	ErrInstanceNotFound   = &Error{Kind: KindInstanceNotFound}
	ErrTaskNotFound       = &Error{Kind: KindTaskNotFound}
	ErrInvalidState       = &Error{Kind: KindInvalidState}
	ErrTransitionNotFound = &Error{Kind: KindTransitionNotFound}
	ErrGuardRejected      = &Error{Kind: KindGuardRejected}
	ErrActionFailed       = &Error{Kind: KindActionFailed}
)

var (
	ErrActionNotRegistered = errors.New("action not registered")
	ErrGuardNotRegistered  = errors.New("guard not registered")
)

// Error is the structured rejection returned by the engine and the
// orchestrator. Only the fields relevant to Kind are set.
type Error struct {
	Kind       ErrorKind
	InstanceID string
	Definition string
	TaskID     string
	State      string
	Transition string
	Guard      string
	Action     string
	Status     string
	Violations []string
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case KindInvalidDefinition:
		if e.Definition != "" {
			fmt.Fprintf(&b, " %q", e.Definition)
		}
		if len(e.Violations) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(e.Violations, "; "))
		}
	case KindDefinitionNotFound:
		fmt.Fprintf(&b, ": definition %q", e.Definition)
	case KindInstanceNotFound:
		fmt.Fprintf(&b, ": instance %s", e.InstanceID)
	case KindTaskNotFound:
		fmt.Fprintf(&b, ": task %s", e.TaskID)
	case KindInvalidState:
		if e.TaskID != "" {
			fmt.Fprintf(&b, ": task %s is %s", e.TaskID, e.Status)
		} else {
			fmt.Fprintf(&b, ": instance %s is %s", e.InstanceID, e.Status)
		}
	case KindTransitionNotFound:
		fmt.Fprintf(&b, ": no transition %q from state %q", e.Transition, e.State)
	case KindGuardRejected:
		fmt.Fprintf(&b, ": guard %q rejected transition %q", e.Guard, e.Transition)
	case KindActionFailed:
		fmt.Fprintf(&b, ": action %q", e.Action)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// invalidDefinition wraps a non-empty violation list.
func invalidDefinition(name string, violations []string) error {
	if len(violations) == 0 {
		return nil
	}
	return &Error{Kind: KindInvalidDefinition, Definition: name, Violations: violations}
}
