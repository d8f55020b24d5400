package ephemeral

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	refMu      sync.Mutex
	refEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewRefID mints a ULID that sorts strictly after every id previously minted
// by this process, even within the same millisecond.
func NewRefID() string {
	refMu.Lock()
	defer refMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), refEntropy).String()
}
