package notifs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)

	parent := "at://did:plc:alice/app.bsky.feed.post/3k2a"
	create := NewCreateNotification(Info{
		UserDid:       "did:plc:alice",
		Author:        "did:plc:bob",
		RecordUri:     "at://did:plc:bob/app.bsky.feed.post/3k2b",
		RecordCid:     "bafyreie5cvv4h45feadgeuwhbcutmh6t2ceseocckahdoe6uat64zmz454",
		Reason:        ReasonReply,
		ReasonSubject: &parent,
	})

	b, err := Encode(create)
	assert.NoError(err)
	assert.Contains(string(b), `"type":"create_notification"`)
	assert.Contains(string(b), `"reasonSubject":"at://did:plc:alice/app.bsky.feed.post/3k2a"`)

	out, err := Decode(b)
	assert.NoError(err)
	assert.Equal(create, out)

	del := NewDeleteNotifications("at://did:plc:bob/app.bsky.feed.post/3k2b")
	b, err = Encode(del)
	assert.NoError(err)
	assert.JSONEq(`{"type":"delete_notifications","recordUri":"at://did:plc:bob/app.bsky.feed.post/3k2b"}`, string(b))

	out, err = Decode(b)
	assert.NoError(err)
	assert.Equal(del, out)
	assert.Equal(del.RecordUri, out.RecordURI())
}

func TestDecodeRejects(t *testing.T) {
	assert := assert.New(t)

	bad := []string{
		``,
		`{}`,
		`{"type":"something_else"}`,
		`{"type":"create_notification","userDid":"did:plc:alice","reason":"like"}`,
	}
	for _, raw := range bad {
		_, err := Decode([]byte(raw))
		assert.Error(err, raw)
	}
}

func TestParseReason(t *testing.T) {
	assert := assert.New(t)

	for _, r := range []string{"vote", "assertion", "repost", "follow", "invite", "mention", "reply"} {
		out, err := ParseReason(r)
		assert.NoError(err)
		assert.Equal(Reason(r), out)
	}
	_, err := ParseReason("like")
	assert.Error(err)
}
