// Package subject addresses the targets of moderation actions and reports:
// either a whole account (repo) or one immutable version of a record.
package subject

import (
	"fmt"
	"strings"
)

// Type is the persisted and wire discriminant of a Subject.
type Type string

const (
	TypeRepo   Type = "com.atproto.admin.defs#repoRef"
	TypeRecord Type = "com.atproto.repo.strongRef"
)

// Subject is a sealed sum type; the only implementations are Repo and Record.
type Subject interface {
	// DID is the account that owns the subject.
	DID() string
	Type() Type
	String() string

	isSubject()
}

// Repo targets an entire account.
type Repo struct {
	Did string
}

// Record targets one record version. An empty Cid means the subject has not
// been pinned to a content hash yet.
type Record struct {
	Uri string
	Cid string
}

func (r Repo) DID() string    { return r.Did }
func (r Repo) Type() Type     { return TypeRepo }
func (r Repo) String() string { return r.Did }
func (Repo) isSubject()       {}

func (r Record) DID() string { return DidFromURI(r.Uri) }
func (r Record) Type() Type  { return TypeRecord }
func (Record) isSubject()    {}

func (r Record) String() string {
	if r.Cid == "" {
		return r.Uri
	}
	return r.Uri + "@" + r.Cid
}

// Pinned reports whether the record subject is bound to a content hash.
func (r Record) Pinned() bool {
	return r.Cid != ""
}

func NewRepo(did string) (Repo, error) {
	d, err := ParseDID(did)
	if err != nil {
		return Repo{}, err
	}
	return Repo{Did: d}, nil
}

// NewRecord validates a record subject. cid may be empty.
func NewRecord(uri, cid string) (Record, error) {
	u, err := ParseRecordURI(uri)
	if err != nil {
		return Record{}, err
	}
	if cid == "" {
		return Record{Uri: u}, nil
	}
	c, err := ParseCID(cid)
	if err != nil {
		return Record{}, err
	}
	return Record{Uri: u, Cid: c}, nil
}

// Parse accepts either a DID or a record AT-URI, as used by query filters.
func Parse(raw string) (Subject, error) {
	switch {
	case strings.HasPrefix(raw, "did:"):
		return NewRepo(raw)
	case strings.HasPrefix(raw, "at://"):
		return NewRecord(raw, "")
	default:
		return nil, fmt.Errorf("subject must be a DID or an AT-URI: %q", raw)
	}
}

// Key is the canonical identity of a subject: the same account, or the same
// record at the same content hash.
func Key(s Subject) (string, error) {
	switch v := s.(type) {
	case Repo:
		return "repo:" + v.Did, nil
	case Record:
		if !v.Pinned() {
			return "", fmt.Errorf("record subject is not pinned to a CID: %s", v.Uri)
		}
		return "record:" + v.Uri + "@" + v.Cid, nil
	default:
		return "", fmt.Errorf("unsupported subject type: %T", s)
	}
}

// Covers reports whether an action taken on actionSubj addresses a report
// filed against reportSubj. An account action covers reports on the account
// and on any of its records; a record action covers reports on the same
// record URI regardless of which version was reported.
func Covers(actionSubj, reportSubj Subject) bool {
	switch a := actionSubj.(type) {
	case Repo:
		switch r := reportSubj.(type) {
		case Repo:
			return a.Did == r.Did
		case Record:
			return a.Did == r.DID()
		}
	case Record:
		switch r := reportSubj.(type) {
		case Repo:
			return false
		case Record:
			return a.Uri == r.Uri
		}
	}
	return false
}

// FromColumns rebuilds a subject from its persisted representation.
func FromColumns(typ string, did string, uri, cid *string) (Subject, error) {
	switch Type(typ) {
	case TypeRepo:
		return Repo{Did: did}, nil
	case TypeRecord:
		if uri == nil {
			return nil, fmt.Errorf("record subject row missing uri")
		}
		rec := Record{Uri: *uri}
		if cid != nil {
			rec.Cid = *cid
		}
		return rec, nil
	default:
		return nil, fmt.Errorf("unsupported moderation SubjectType: %v", typ)
	}
}

// Columns is the inverse of FromColumns.
func Columns(s Subject) (typ string, did string, uri, cid *string, err error) {
	switch v := s.(type) {
	case Repo:
		return string(TypeRepo), v.Did, nil, nil, nil
	case Record:
		u := v.Uri
		var c *string
		if v.Cid != "" {
			cc := v.Cid
			c = &cc
		}
		return string(TypeRecord), v.DID(), &u, c, nil
	default:
		return "", "", nil, nil, fmt.Errorf("unsupported subject type: %T", s)
	}
}
