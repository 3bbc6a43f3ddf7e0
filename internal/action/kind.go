// Package action defines the request, outcome, and error types shared by the
// registry, the control channels, and the dispatch engine.
package action

// Kind identifies a primitive control action. The set is closed: adapters
// declare support per kind and the policy gate matches rules against it.
type Kind string

const (
	KindActivate     Kind = "activate"
	KindKeystroke    Kind = "keystroke"
	KindMenuSelect   Kind = "menu-select"
	KindTypeText     Kind = "type-text"
	KindClickAt      Kind = "click-at"
	KindClickElement Kind = "click-element"
	KindDrag         Kind = "drag"
	KindGesture      Kind = "gesture"
	KindRunCommand   Kind = "run-command"
)

// Kinds returns every known action kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindActivate,
		KindKeystroke,
		KindMenuSelect,
		KindTypeText,
		KindClickAt,
		KindClickElement,
		KindDrag,
		KindGesture,
		KindRunCommand,
	}
}

// ParseKind maps a wire string to a Kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(s)
	for _, known := range Kinds() {
		if k == known {
			return k, true
		}
	}
	return "", false
}
