package notifs

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

type publishCall struct {
	subject string
	payload []byte
	opts    int
}

type fakePublisher struct {
	calls []publishCall
}

func (fp *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	fp.calls = append(fp.calls, publishCall{subject: subject, payload: payload, opts: len(opts)})
	return &jetstream.PubAck{Stream: "bailiff", Sequence: uint64(len(fp.calls))}, nil
}

func TestJetStreamSink(t *testing.T) {
	assert := assert.New(t)

	pub := &fakePublisher{}
	sink := &JetStreamSink{JS: pub, Prefix: "bailiff"}

	msg := NewDeleteNotifications("at://did:plc:bob/app.bsky.feed.post/3k2b")
	assert.NoError(sink.Emit(context.Background(), msg))
	assert.NoError(sink.Emit(contextWithSequence(context.Background(), 7), msg))

	assert.Len(pub.calls, 2)
	assert.Equal("bailiff.delete_notifications", pub.calls[0].subject)
	assert.Equal(0, pub.calls[0].opts)
	assert.Equal(1, pub.calls[1].opts)

	out, err := Decode(pub.calls[1].payload)
	assert.NoError(err)
	assert.Equal(msg, out)
}
