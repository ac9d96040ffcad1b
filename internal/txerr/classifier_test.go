package txerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		kind     Kind
		expected bool
	}{
		{"seeds violation", `{"InstructionError":[3,"Seeds constraint violated"]}`, KindSeedsConstraint, true},
		{"wrong program", "Error: Incorrect Program ID for instruction", KindIncorrectProgramID, true},
		{"anchor unauthorized", "AnchorError: Unauthorized signer", KindNotAuthorized, true},
		{"account not ready", "AccountNotInitialized: the program expected this account", KindAccountNotInitialized, true},
		{"custom program error", `{"InstructionError":[3,{"Custom":6002}]}`, KindCustomError, true},
		{"stale blockhash", "Transaction simulation failed: Blockhash not found", KindBlockhashNotFound, false},
		{"broke wallet", "Transfer: insufficient funds for rent", KindInsufficientFunds, false},
		{"curve moved", "TooMuchSolRequired: slippage exceeded", KindSlippageExceeded, true},
		{"garbage", "connection reset by peer", KindUnknown, false},
		{"empty", "", KindUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.raw)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.expected, c.Expected)
			assert.Equal(t, tt.raw, c.Raw)
		})
	}
}

func TestClassifyErr(t *testing.T) {
	c := ClassifyErr(errors.New("custom program error: 0x1772"))
	assert.Equal(t, KindCustomError, c.Kind)
	assert.True(t, c.Expected)

	c = ClassifyErr(nil)
	assert.Equal(t, KindUnknown, c.Kind)
	assert.Empty(t, c.Raw)
}
