package chain

import "fmt"

// VerifyError wraps a block/header rejection with a misbehavior score so
// callers (the P2P ban manager) can discipline the peer that sent it without
// string-matching the underlying error. Score follows the rough convention
// of "how confident are we this peer is malicious, not just behind":
// low scores (0-10) are normal protocol disagreements (stale tip, duplicate),
// high scores (50-100) are only reachable by fabricating an invalid block.
type VerifyError struct {
	Reason string
	Score  int
	err    error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s (score %d): %v", e.Reason, e.Score, e.err)
}

func (e *VerifyError) Unwrap() error {
	return e.err
}

// newVerifyError constructs a VerifyError wrapping err with a penalty score.
func newVerifyError(reason string, score int, err error) *VerifyError {
	return &VerifyError{Reason: reason, Score: score, err: err}
}

// Misbehavior scores for classes of block rejection.
const (
	ScoreDuplicate       = 0  // harmless, seen it already
	ScoreStale           = 1  // valid but no longer relevant
	ScoreStructural      = 20 // malformed block: merkle, size, coinbase shape
	ScoreConsensus       = 50 // bad PoW, bad difficulty, bad signature
	ScoreDoubleSpend     = 80 // tried to spend something twice / already spent
	ScoreResourceExhaust = 40 // exceeds weight/sigops budget
)
