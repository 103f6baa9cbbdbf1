package notifs

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher is the subset of jetstream.JetStream used for emitting.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamSink publishes encoded messages to "<Prefix>.<type>" subjects.
// When driven by a Dispatcher, the outbox sequence is used as the message id
// so the broker drops redeliveries inside its duplicate window.
type JetStreamSink struct {
	JS     Publisher
	Prefix string
}

var _ Sink = (*JetStreamSink)(nil)

func (js *JetStreamSink) Emit(ctx context.Context, msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}

	var opts []jetstream.PublishOpt
	if seq, ok := SequenceFromContext(ctx); ok {
		opts = append(opts, jetstream.WithMsgID(js.Prefix+"-"+strconv.FormatUint(seq, 10)))
	}

	subj := js.Prefix + "." + string(msg.Type())
	if _, err := js.JS.Publish(ctx, subj, b, opts...); err != nil {
		return fmt.Errorf("publishing to %s: %w", subj, err)
	}
	return nil
}

// ConnectJetStream dials NATS and makes sure a stream exists covering the
// prefix's subjects. The caller closes the returned connection.
func ConnectJetStream(ctx context.Context, url, prefix string) (*nats.Conn, jetstream.JetStream, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       prefix,
		Subjects:   []string{prefix + ".*"},
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating stream %s: %w", prefix, err)
	}
	return nc, js, nil
}
