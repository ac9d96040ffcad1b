// Package txerr classifies transaction submission errors into coarse
// categories so the caller can tell routine sniping losses (someone else's
// bundle landed first, curve moved) from real operational faults.
package txerr

import "strings"

// Kind is the classified error category.
type Kind string

const (
	KindSeedsConstraint       Kind = "seeds_constraint"
	KindIncorrectProgramID    Kind = "incorrect_program_id"
	KindNotAuthorized         Kind = "not_authorized"
	KindAccountNotInitialized Kind = "account_not_initialized"
	KindCustomError           Kind = "custom_error"
	KindBlockhashNotFound     Kind = "blockhash_not_found"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindSlippageExceeded      Kind = "slippage_exceeded"
	KindUnknown               Kind = "unknown"
)

// Classification is the result of classifying one error string.
type Classification struct {
	Kind Kind
	// Expected marks categories that are routine when racing other snipers
	// and should be logged at debug, not error.
	Expected bool
	Raw      string
}

// patterns is checked in order; the first substring match wins.
var patterns = []struct {
	substr string
	kind   Kind
}{
	{"seeds constraint violated", KindSeedsConstraint},
	{"incorrect program id", KindIncorrectProgramID},
	{"not authorized", KindNotAuthorized},
	{"unauthorized", KindNotAuthorized},
	{"accountnotinitialized", KindAccountNotInitialized},
	{"account not initialized", KindAccountNotInitialized},
	{"blockhash not found", KindBlockhashNotFound},
	{"insufficient funds", KindInsufficientFunds},
	{"slippage", KindSlippageExceeded},
	{"custom", KindCustomError},
}

var expectedKinds = map[Kind]bool{
	KindSeedsConstraint:       true,
	KindIncorrectProgramID:    true,
	KindNotAuthorized:         true,
	KindAccountNotInitialized: true,
	KindSlippageExceeded:      true,
	KindCustomError:           true,
}

// Classify maps an error string to its category.
func Classify(raw string) Classification {
	lower := strings.ToLower(raw)
	for _, p := range patterns {
		if strings.Contains(lower, p.substr) {
			return Classification{Kind: p.kind, Expected: expectedKinds[p.kind], Raw: raw}
		}
	}
	return Classification{Kind: KindUnknown, Raw: raw}
}

// ClassifyErr is Classify for error values; nil yields KindUnknown with an
// empty raw string.
func ClassifyErr(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown}
	}
	return Classify(err.Error())
}
