package ids

import "github.com/segmentio/ksuid"

// New returns a new time-sortable unique id.
func New() string {
	return ksuid.New().String()
}
