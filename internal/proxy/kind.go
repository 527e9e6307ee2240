package proxy

import "time"

// Kind enumerates the request kinds the driver knows how to dispatch.
// The set is closed: adding a kind means adding an executor branch.
type Kind int

// Request kinds.
const (
	KindCompletion Kind = iota + 1
	KindCodeAction
	KindRename
	KindCodeLens
	KindInlayHint
	KindColor
	KindDiagnostic
	KindOnTypeFormatting
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindCompletion:
		return "completion"
	case KindCodeAction:
		return "codeAction"
	case KindRename:
		return "rename"
	case KindCodeLens:
		return "codeLens"
	case KindInlayHint:
		return "inlayHint"
	case KindColor:
		return "color"
	case KindDiagnostic:
		return "diagnostic"
	case KindOnTypeFormatting:
		return "onTypeFormatting"
	default:
		return "unknown"
	}
}

// KindFromString parses a wire name back into a Kind.
func KindFromString(s string) (Kind, bool) {
	for k := KindCompletion; k <= KindOnTypeFormatting; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// DefaultDebounce returns the per-kind debounce windows. Interactive
// kinds get short windows, decorative ones longer.
func DefaultDebounce() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindCompletion:       75 * time.Millisecond,
		KindCodeAction:       250 * time.Millisecond,
		KindCodeLens:         250 * time.Millisecond,
		KindInlayHint:        150 * time.Millisecond,
		KindColor:            500 * time.Millisecond,
		KindDiagnostic:       150 * time.Millisecond,
		KindOnTypeFormatting: 0,
	}
}
