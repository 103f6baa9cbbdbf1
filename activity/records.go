package activity

import (
	"encoding/json"
	"fmt"

	"github.com/bluesky-social/bailiff/util"
)

const (
	CollectionPost      = "app.bsky.feed.post"
	CollectionVote      = "app.bsky.feed.vote"
	CollectionRepost    = "app.bsky.feed.repost"
	CollectionFollow    = "app.bsky.graph.follow"
	CollectionAssertion = "app.bsky.graph.assertion"

	AssertMember = "app.bsky.graph.assertMember"

	facetMention = "app.bsky.richtext.facet#mention"
)

type StrongRef struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

// ActorRef decodes either a bare DID string or an object with a "did" field.
type ActorRef struct {
	Did string
}

func (a *ActorRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		a.Did = s
		return nil
	}
	var obj struct {
		Did string `json:"did"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("actor ref must be a DID or an object with a did: %w", err)
	}
	a.Did = obj.Did
	return nil
}

type FeedPost struct {
	Text      string        `json:"text"`
	Reply     *PostReplyRef `json:"reply,omitempty"`
	Facets    []*Facet      `json:"facets,omitempty"`
	Entities  []*Entity     `json:"entities,omitempty"`
	CreatedAt string        `json:"createdAt"`
}

type PostReplyRef struct {
	Root   *StrongRef `json:"root"`
	Parent *StrongRef `json:"parent"`
}

type Facet struct {
	Features []*FacetFeature `json:"features"`
}

type FacetFeature struct {
	Type string `json:"$type"`
	Did  string `json:"did,omitempty"`
	Uri  string `json:"uri,omitempty"`
}

// Entity is the older inline annotation form, eg {"type":"mention","value":"did:..."}.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// mentions returns mentioned DIDs in order of appearance.
func (p *FeedPost) mentions() []string {
	var out []string
	for _, f := range p.Facets {
		if f == nil {
			continue
		}
		for _, feat := range f.Features {
			if feat != nil && feat.Type == facetMention && feat.Did != "" {
				out = append(out, feat.Did)
			}
		}
	}
	for _, e := range p.Entities {
		if e != nil && e.Type == "mention" && e.Value != "" {
			out = append(out, e.Value)
		}
	}
	return out
}

type FeedVote struct {
	Subject   *StrongRef `json:"subject"`
	Direction string     `json:"direction"`
	CreatedAt string     `json:"createdAt"`
}

type FeedRepost struct {
	Subject   *StrongRef `json:"subject"`
	CreatedAt string     `json:"createdAt"`
}

type GraphFollow struct {
	Subject   ActorRef `json:"subject"`
	CreatedAt string   `json:"createdAt"`
}

type GraphAssertion struct {
	Assertion string   `json:"assertion"`
	Subject   ActorRef `json:"subject"`
	CreatedAt string   `json:"createdAt"`
}

func (p *FeedPost) createdAt() string       { return p.CreatedAt }
func (v *FeedVote) createdAt() string       { return v.CreatedAt }
func (r *FeedRepost) createdAt() string     { return r.CreatedAt }
func (f *GraphFollow) createdAt() string    { return f.CreatedAt }
func (a *GraphAssertion) createdAt() string { return a.CreatedAt }

type timestamped interface {
	createdAt() string
}

// decodeRecord parses the record body for collections that produce
// notifications and checks its createdAt. Other collections decode to nil.
func decodeRecord(collection string, raw json.RawMessage) (any, error) {
	var rec timestamped
	switch collection {
	case CollectionPost:
		rec = &FeedPost{}
	case CollectionVote:
		rec = &FeedVote{}
	case CollectionRepost:
		rec = &FeedRepost{}
	case CollectionFollow:
		rec = &GraphFollow{}
	case CollectionAssertion:
		rec = &GraphAssertion{}
	default:
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing record body for %s", collection)
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decoding %s record: %w", collection, err)
	}
	if _, err := util.ParseTimestamp(rec.createdAt()); err != nil {
		return nil, fmt.Errorf("%s record createdAt: %w", collection, err)
	}
	return rec, nil
}
