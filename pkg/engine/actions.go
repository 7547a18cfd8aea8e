package engine

import (
	"fmt"
	"strings"
)

// ActionCode identifies a resolution action. Codes are bit flags so that a
// set of legal actions can be carried as a single mask.
type ActionCode uint16

const (
	// ActionAbort aborts the whole execution.
	ActionAbort ActionCode = 1 << iota
	// ActionRepeat re-runs the operation.
	ActionRepeat
	// ActionResend resends the command and re-runs the operation.
	ActionResend
	// ActionRecheck re-evaluates the verification without resending.
	ActionRecheck
	// ActionSkip ends the operation with the value provided by its skip hook.
	ActionSkip
	// ActionNoAction accepts the outcome as it is.
	ActionNoAction
	// ActionHandle hands the failure back to the procedure.
	ActionHandle
	// ActionCancel ends the operation with the value provided by its cancel hook.
	ActionCancel
)

// ActionNone is the empty action set.
const ActionNone ActionCode = 0

// ActionAll is the union of every action code.
const ActionAll = ActionAbort | ActionRepeat | ActionResend | ActionRecheck |
	ActionSkip | ActionNoAction | ActionHandle | ActionCancel

// actionOrder fixes the presentation order of actions in prompts and reports.
var actionOrder = []ActionCode{
	ActionAbort, ActionRepeat, ActionResend, ActionRecheck,
	ActionSkip, ActionNoAction, ActionHandle, ActionCancel,
}

var actionNames = map[ActionCode]string{
	ActionAbort:    "ABORT",
	ActionRepeat:   "REPEAT",
	ActionResend:   "RESEND",
	ActionRecheck:  "RECHECK",
	ActionSkip:     "SKIP",
	ActionNoAction: "NOACTION",
	ActionHandle:   "HANDLE",
	ActionCancel:   "CANCEL",
}

var actionKeys = map[ActionCode]string{
	ActionAbort:    "A",
	ActionRepeat:   "R",
	ActionResend:   "E",
	ActionRecheck:  "C",
	ActionSkip:     "S",
	ActionNoAction: "N",
	ActionHandle:   "H",
	ActionCancel:   "X",
}

var actionLabels = map[ActionCode]string{
	ActionAbort:    "Abort procedure",
	ActionRepeat:   "Repeat operation",
	ActionResend:   "Resend command",
	ActionRecheck:  "Recheck verification",
	ActionSkip:     "Skip operation",
	ActionNoAction: "No action",
	ActionHandle:   "Handle in procedure",
	ActionCancel:   "Cancel operation",
}

// Has reports whether every code in other is contained in a.
func (a ActionCode) Has(other ActionCode) bool {
	return other != 0 && a&other == other
}

// Codes returns the single codes contained in the mask, in presentation order.
func (a ActionCode) Codes() []ActionCode {
	codes := make([]ActionCode, 0, len(actionOrder))
	for _, c := range actionOrder {
		if a&c != 0 {
			codes = append(codes, c)
		}
	}
	return codes
}

// Single returns the only code in the mask and true, or false when the mask
// holds zero or several codes.
func (a ActionCode) Single() (ActionCode, bool) {
	if a != 0 && a&(a-1) == 0 {
		return a, true
	}
	return ActionNone, false
}

// Key returns the one-letter key used in operator prompts.
func (a ActionCode) Key() string {
	return actionKeys[a]
}

// Label returns the human-readable label used in operator prompts.
func (a ActionCode) Label() string {
	if l, ok := actionLabels[a]; ok {
		return l
	}
	return a.String()
}

// String returns the action names joined by "|".
func (a ActionCode) String() string {
	if a == ActionNone {
		return "NONE"
	}
	codes := a.Codes()
	names := make([]string, 0, len(codes))
	for _, c := range codes {
		names = append(names, actionNames[c])
	}
	return strings.Join(names, "|")
}

// Names returns the action names contained in the mask.
func (a ActionCode) Names() []string {
	codes := a.Codes()
	names := make([]string, 0, len(codes))
	for _, c := range codes {
		names = append(names, actionNames[c])
	}
	return names
}

// ParseAction parses a single action name, case-insensitively.
func ParseAction(name string) (ActionCode, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "NO_ACTION" {
		n = "NOACTION"
	}
	for code, candidate := range actionNames {
		if candidate == n {
			return code, nil
		}
	}
	return ActionNone, NewSyntaxError(fmt.Sprintf("unknown action %q", name), nil).WithCode(ErrCodeArguments)
}

// ParseActions parses a list of action names into a mask.
func ParseActions(names []string) (ActionCode, error) {
	var mask ActionCode
	for _, name := range names {
		code, err := ParseAction(name)
		if err != nil {
			return ActionNone, err
		}
		mask |= code
	}
	return mask, nil
}

// ActionForKey returns the action among legal whose prompt key or name
// matches answer.
func ActionForKey(legal ActionCode, answer string) (ActionCode, bool) {
	a := strings.ToUpper(strings.TrimSpace(answer))
	for _, c := range legal.Codes() {
		if actionKeys[c] == a || actionNames[c] == a {
			return c, true
		}
	}
	return ActionNone, false
}
