package verifier

import "fmt"

// VerificationError reports a failure to even attempt verification: the
// ledger file is missing, unreadable, or the supplied public key does not
// parse. A chain defect found *during* a successful read is not this
// error — it is reported in the returned ledger.Report instead.
type VerificationError struct {
	Message string
	Cause   error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verifier: %s", e.Message)
}
func (e *VerificationError) Unwrap() error { return e.Cause }
