package txn

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrConflict marks a transient failure (lock wait or statement timeout)
	// the caller may retry.
	ErrConflict = errors.New("transaction conflict")

	// ErrInternal is the generic failure surfaced for database errors inside
	// a callback. The transaction is always rolled back before it is returned.
	ErrInternal = errors.New("internal error")
)

// Postgres error codes that indicate a bounded lock wait gave up rather
// than a broken statement.
const (
	pgQueryCanceled    = "57014"
	pgLockNotAvailable = "55P03"
)

// Classify maps a raw database error into the taxonomy: bounded lock waits
// become ErrConflict, everything else ErrInternal. Layers that run SQL
// inside an executor callback wrap their errors with this before returning,
// so route handlers never see driver errors.
func Classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgQueryCanceled, pgLockNotAvailable:
			return errors.Join(ErrConflict, err)
		}
	}
	return errors.Join(ErrInternal, err)
}
