// Package resolver checks that moderation subjects exist, and pins record
// subjects to the content hash of their current version.
package resolver

import (
	"context"
	"errors"

	"github.com/bluesky-social/bailiff/subject"
)

// ErrNotFound means the account or record is unknown, gone, or (for a pinned
// record) no longer at the given CID. Any other error is transient.
var ErrNotFound = errors.New("subject not found")

type Resolver interface {
	// ResolveSubject returns the subject as it currently exists. Record
	// subjects come back pinned to a CID.
	ResolveSubject(ctx context.Context, s subject.Subject) (subject.Subject, error)
}
