package model

import "errors"

// Error taxonomy. Operations wrap these with fmt.Errorf("%w: ...") and
// callers classify with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrSelfWager         = errors.New("owner cannot wager on own market")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrPermission        = errors.New("permission denied")
	ErrRefund            = errors.New("refund failed")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrExposureLimit     = errors.New("exposure limit exceeded")
)

var kinds = []struct {
	err  error
	name string
}{
	// ErrRefund first: a refund failure usually wraps the lookup error too.
	{ErrRefund, "RefundError"},
	{ErrValidation, "ValidationError"},
	{ErrNotFound, "NotFoundError"},
	{ErrInvalidState, "InvalidStateError"},
	{ErrSelfWager, "SelfWagerError"},
	{ErrInsufficientFunds, "InsufficientFundsError"},
	{ErrPermission, "PermissionError"},
	{ErrInvalidAmount, "InvalidAmountError"},
	{ErrConflict, "ConflictError"},
	{ErrExposureLimit, "ExposureLimitError"},
}

// ErrorKind names the taxonomy entry err belongs to, or "InternalError".
func ErrorKind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "InternalError"
}
