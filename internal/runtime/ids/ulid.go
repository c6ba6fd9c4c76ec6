package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Evaluation and questionnaire ids use it, so ids sort by submission time.
func CreateULID() string {
	return newULID(time.Now())
}

// Generator creates ULIDs stamped by its clock. The zero value uses time.Now.
type Generator struct {
	Now func() time.Time
}

// New returns the next ULID for the generator's clock.
func (g Generator) New() string {
	if g.Now == nil {
		return CreateULID()
	}
	return newULID(g.Now())
}

// Valid reports whether id is a well-formed ULID.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Time extracts the creation time encoded in a ULID.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

func newULID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}
