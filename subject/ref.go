package subject

import "fmt"

// Ref is the JSON union used on the wire: a repoRef carries a DID, a
// strongRef carries a record URI and CID.
type Ref struct {
	LexiconTypeID string `json:"$type"`
	Did           string `json:"did,omitempty"`
	Uri           string `json:"uri,omitempty"`
	Cid           string `json:"cid,omitempty"`
}

func ToRef(s Subject) *Ref {
	switch v := s.(type) {
	case Repo:
		return &Ref{LexiconTypeID: string(TypeRepo), Did: v.Did}
	case Record:
		return &Ref{LexiconTypeID: string(TypeRecord), Uri: v.Uri, Cid: v.Cid}
	default:
		return nil
	}
}

// FromRef validates a wire ref. When $type is missing the shape decides.
func FromRef(ref *Ref) (Subject, error) {
	if ref == nil {
		return nil, fmt.Errorf("subject is required")
	}
	typ := Type(ref.LexiconTypeID)
	if typ == "" {
		switch {
		case ref.Did != "" && ref.Uri == "":
			typ = TypeRepo
		case ref.Uri != "":
			typ = TypeRecord
		}
	}
	switch typ {
	case TypeRepo, "com.atproto.repo.repoRef":
		return NewRepo(ref.Did)
	case TypeRecord, "com.atproto.repo.recordRef":
		return NewRecord(ref.Uri, ref.Cid)
	default:
		return nil, fmt.Errorf("subject must be a repoRef or a strongRef, got %q", ref.LexiconTypeID)
	}
}
