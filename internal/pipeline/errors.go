package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/esg-worker/internal/catalog"
	"github.com/sells-group/esg-worker/internal/scorer"
)

// ErrCompanyNotFound is returned when the task's company name resolves to no
// known company. Data error: retrying cannot help.
var ErrCompanyNotFound = eris.New("pipeline: company not found")

// ErrBadObjectKey is returned when the object key does not follow the
// company/year naming convention.
var ErrBadObjectKey = eris.New("pipeline: malformed object key")

// IsPermanent reports whether err belongs to the class of failures that no
// amount of message redelivery can fix. The consumer dead-letters these
// immediately instead of burning the retry budget.
func IsPermanent(err error) bool {
	return eris.Is(err, ErrCompanyNotFound) ||
		eris.Is(err, ErrBadObjectKey) ||
		eris.Is(err, catalog.ErrEmpty) ||
		eris.Is(err, scorer.ErrInvalidWeights)
}
