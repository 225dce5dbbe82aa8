package confirm

import "strings"

// Reply classifies a user answer to a pending confirmation.
type Reply int

const (
	ReplyOther Reply = iota
	ReplyConfirm
	ReplyCancel
	ReplyEdit
)

func (r Reply) String() string {
	switch r {
	case ReplyConfirm:
		return "confirm"
	case ReplyCancel:
		return "cancel"
	case ReplyEdit:
		return "edit"
	default:
		return "other"
	}
}

var (
	confirmWords    = []string{"confirmar", "confirmar todos", "confirmar tudo", "confirm", "confirm all", "sim", "s", "yes", "ok", "✅", "👍"}
	confirmPrefixes = []string{"confirm"}
	cancelWords     = []string{"cancelar", "cancel", "não", "nao", "no", "n", "❌", "👎"}
	cancelPrefixes  = []string{"cancel"}
	editWords       = []string{"editar", "edit"}
	editPrefixes    = []string{"edit", "corrig", "correct", "alterar", "mudar", "change"}
)

func normalizeReply(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func matches(text string, words, prefixes []string) bool {
	if text == "" {
		return false
	}
	for _, w := range words {
		if text == w {
			return true
		}
	}
	for _, p := range prefixes {
		if strings.HasPrefix(text, p) {
			return true
		}
	}
	return false
}

// IsConfirmation reports whether text approves the pending candidates.
func IsConfirmation(text string) bool {
	return matches(normalizeReply(text), confirmWords, confirmPrefixes)
}

// IsCancellation reports whether text discards the pending candidates.
func IsCancellation(text string) bool {
	return matches(normalizeReply(text), cancelWords, cancelPrefixes)
}

// IsEdit reports whether text asks to correct the pending candidates.
func IsEdit(text string) bool {
	return matches(normalizeReply(text), editWords, editPrefixes)
}

// Classify applies the predicates in a fixed order: confirmation,
// cancellation, edit. The first match wins.
func Classify(text string) Reply {
	switch {
	case IsConfirmation(text):
		return ReplyConfirm
	case IsCancellation(text):
		return ReplyCancel
	case IsEdit(text):
		return ReplyEdit
	default:
		return ReplyOther
	}
}
