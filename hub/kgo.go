package hub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/pkg/sasl/plain"

	"logbridge/streams"
)

func init() {
	Register(DriverKgo, func(s Settings) (Client, error) { return NewKgo(s) })
}

// KgoClient drives a topic with franz-go. Producing and metadata share one client;
// every reader owns a client assigned to its single partition.
type KgoClient struct {
	topic string
	base  []kgo.Opt
	cl    *kgo.Client

	// test seams
	produce func(context.Context, *kgo.Record) (int64, error)
}

func NewKgo(s Settings, opts ...kgo.Opt) (*KgoClient, error) {
	base := kgoOptions(s)
	base = append(base, opts...)
	cl, err := kgo.NewClient(append(base, kgo.RecordPartitioner(kgo.ManualPartitioner()))...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}
	c := &KgoClient{topic: s.Path, base: base, cl: cl}
	c.produce = func(ctx context.Context, r *kgo.Record) (int64, error) {
		res, err := cl.ProduceSync(ctx, r).First()
		if err != nil {
			return 0, err
		}
		return res.Offset, nil
	}
	return c, nil
}

func kgoOptions(s Settings) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(s.Brokers()...),
		kgo.ClientID(s.clientID()),
	}
	if s.TLSEnabled {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}))
	}
	if s.SASLUser != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: s.SASLUser, Pass: s.SASLPass}.AsMechanism()))
	}
	return opts
}

func (c *KgoClient) Partitions(ctx context.Context) ([]streams.PartitionID, error) {
	req := kmsg.NewPtrMetadataRequest()
	t := kmsg.NewMetadataRequestTopic()
	t.Topic = kmsg.StringPtr(c.topic)
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, c.cl)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", c.topic, err)
	}
	for _, rt := range resp.Topics {
		if rt.Topic == nil || *rt.Topic != c.topic {
			continue
		}
		if err := kerr.ErrorForCode(rt.ErrorCode); err != nil {
			return nil, fmt.Errorf("metadata %s: %w", c.topic, err)
		}
		ps := make([]int32, 0, len(rt.Partitions))
		for _, p := range rt.Partitions {
			ps = append(ps, p.Partition)
		}
		return partitionIDs(ps), nil
	}
	return nil, fmt.Errorf("metadata %s: %w", c.topic, kerr.UnknownTopicOrPartition)
}

func (c *KgoClient) Send(ctx context.Context, partition streams.PartitionID, key, body []byte) (int64, error) {
	p, err := partitionNumber(partition)
	if err != nil {
		return 0, err
	}
	off, err := c.produce(ctx, &kgo.Record{Topic: c.topic, Partition: p, Key: key, Value: body})
	if err != nil {
		return 0, fmt.Errorf("send %s/%d: %w", c.topic, p, err)
	}
	return off, nil
}

func (c *KgoClient) OpenReader(_ context.Context, partition streams.PartitionID, pos streams.Position) (Reader, error) {
	p, err := partitionNumber(partition)
	if err != nil {
		return nil, err
	}
	opts := append(append([]kgo.Opt(nil), c.base...),
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{c.topic: {p: kgoOffset(pos)}}),
	)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka reader %s/%d: %w", c.topic, p, err)
	}
	return &kgoReader{partition: partition, cl: cl}, nil
}

func (c *KgoClient) Close() error {
	c.cl.Close()
	return nil
}

func kgoOffset(pos streams.Position) kgo.Offset {
	switch {
	case pos.IsStart():
		return kgo.NewOffset().AtStart()
	case pos.IsEnd():
		return kgo.NewOffset().AtEnd()
	}
	return kgo.NewOffset().At(pos.FirstSequence())
}

type kgoReader struct {
	partition streams.PartitionID
	cl        *kgo.Client

	mu      sync.Mutex
	backlog []streams.Entry
}

func (r *kgoReader) Receive(ctx context.Context, max int) ([]streams.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.backlog) == 0 {
		fetches := r.cl.PollRecords(ctx, max)
		if fetches.IsClientClosed() {
			return nil, streams.ErrStopped
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			return nil, fmt.Errorf("fetch %s/%d: %w", fe.Topic, fe.Partition, fe.Err)
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			r.backlog = append(r.backlog, streams.Entry{
				Partition: r.partition,
				Sequence:  rec.Offset,
				Enqueued:  rec.Timestamp,
				Body:      rec.Value,
			})
		})
	}

	n := min(max, len(r.backlog))
	out := r.backlog[:n:n]
	r.backlog = r.backlog[n:]
	return out, nil
}

func (r *kgoReader) Close() error {
	r.cl.Close()
	return nil
}
