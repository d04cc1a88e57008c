package intake

import (
	"context"
	"fmt"

	"github.com/redis/rueidis"

	"pushfanout/internal/fanout"
)

// Publisher appends fan-out requests to the intake stream.
type Publisher struct {
	client rueidis.Client
	stream string
	key    string
}

// NewPublisher creates a publisher. An empty stream uses the default.
func NewPublisher(client rueidis.Client, stream, signingKey string) *Publisher {
	if stream == "" {
		stream = Config{}.withDefaults().Stream
	}
	return &Publisher{client: client, stream: stream, key: signingKey}
}

// Publish validates req and appends it, returning the stream entry id.
func (p *Publisher) Publish(ctx context.Context, req *fanout.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	fields, err := Encode(req, p.key)
	if err != nil {
		return "", err
	}

	fv := p.client.B().Xadd().Key(p.stream).Id("*").FieldValue().
		FieldValue(FieldRequest, fields[FieldRequest])
	if sig, ok := fields[FieldSignature]; ok {
		fv = fv.FieldValue(FieldSignature, sig)
	}

	id, err := p.client.Do(ctx, fv.Build()).ToString()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.stream, err)
	}
	return id, nil
}
