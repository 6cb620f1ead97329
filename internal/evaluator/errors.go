package evaluator

import (
	"github.com/cockroachdb/errors"

	"reportbot/internal/report"
)

var (
	// ErrEvaluation marks a generator failure or unusable output.
	ErrEvaluation = errors.New("content evaluation failed")
	// ErrTimeout marks a generator killed by its deadline.
	ErrTimeout = errors.New("content evaluation timed out")
	// ErrUnsupportedType is returned for report types with no handler.
	ErrUnsupportedType = report.ErrUnsupportedType
)

func evalErr(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrEvaluation)
}
