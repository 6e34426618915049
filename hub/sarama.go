package hub

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/IBM/sarama"

	"logbridge/internal/logging"
	"logbridge/streams"
)

func init() {
	Register(DriverSarama, func(s Settings) (Client, error) { return NewSarama(s) })
}

// SaramaClient drives a topic through one shared sarama client.
type SaramaClient struct {
	topic    string
	cl       sarama.Client
	producer sarama.SyncProducer
}

func NewSarama(s Settings) (*SaramaClient, error) {
	sc, err := saramaConfig(s)
	if err != nil {
		return nil, err
	}
	cl, err := sarama.NewClient(s.Brokers(), sc)
	if err != nil {
		return nil, fmt.Errorf("sarama client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(cl)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("sarama producer: %w", err)
	}
	return &SaramaClient{topic: s.Path, cl: cl, producer: producer}, nil
}

func saramaConfig(s Settings) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	if s.Version != "" {
		ver, err := sarama.ParseKafkaVersion(s.Version)
		if err != nil {
			return nil, streams.Invalid("hub.version", "%v", err)
		}
		sc.Version = ver
	}
	sc.ClientID = s.clientID()
	sc.Consumer.Return.Errors = true
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	if s.TLSEnabled {
		sc.Net.TLS.Enable = true
	}
	if s.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = s.SASLUser, s.SASLPass
	}
	if err := sc.Validate(); err != nil {
		return nil, streams.Invalid("hub", "%v", err)
	}
	return sc, nil
}

func (c *SaramaClient) Partitions(context.Context) ([]streams.PartitionID, error) {
	if err := c.cl.RefreshMetadata(c.topic); err != nil {
		return nil, fmt.Errorf("refresh metadata %s: %w", c.topic, err)
	}
	ps, err := c.cl.Partitions(c.topic)
	if err != nil {
		return nil, fmt.Errorf("partitions %s: %w", c.topic, err)
	}
	return partitionIDs(ps), nil
}

func (c *SaramaClient) Send(_ context.Context, partition streams.PartitionID, key, body []byte) (int64, error) {
	p, err := partitionNumber(partition)
	if err != nil {
		return 0, err
	}
	msg := &sarama.ProducerMessage{
		Topic:     c.topic,
		Partition: p,
		Value:     sarama.ByteEncoder(body),
	}
	if len(key) > 0 {
		msg.Key = sarama.ByteEncoder(key)
	}
	_, off, err := c.producer.SendMessage(msg)
	if err != nil {
		return 0, fmt.Errorf("send %s/%d: %w", c.topic, p, err)
	}
	return off, nil
}

func (c *SaramaClient) OpenReader(_ context.Context, partition streams.PartitionID, pos streams.Position) (Reader, error) {
	p, err := partitionNumber(partition)
	if err != nil {
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(c.cl)
	if err != nil {
		return nil, fmt.Errorf("sarama consumer: %w", err)
	}
	pc, err := consumer.ConsumePartition(c.topic, p, saramaOffset(pos))
	if err != nil {
		_ = consumer.Close()
		return nil, fmt.Errorf("consume %s/%d from %s: %w", c.topic, p, pos, err)
	}
	return &saramaReader{partition: partition, consumer: consumer, pc: pc}, nil
}

func (c *SaramaClient) Close() error {
	if err := c.producer.Close(); err != nil {
		logging.L().Warn("sarama-driver: producer close", "err", err)
	}
	return c.cl.Close()
}

func saramaOffset(pos streams.Position) int64 {
	switch {
	case pos.IsStart():
		return sarama.OffsetOldest
	case pos.IsEnd():
		return sarama.OffsetNewest
	}
	return pos.FirstSequence()
}

type saramaReader struct {
	partition streams.PartitionID
	consumer  sarama.Consumer
	pc        sarama.PartitionConsumer
}

func (r *saramaReader) Receive(ctx context.Context, max int) ([]streams.Entry, error) {
	var out []streams.Entry
	select {
	case <-ctx.Done():
		return nil, nil
	case cerr, ok := <-r.pc.Errors():
		if !ok {
			return nil, streams.ErrStopped
		}
		return nil, cerr
	case msg, ok := <-r.pc.Messages():
		if !ok {
			return nil, streams.ErrStopped
		}
		out = append(out, r.entry(msg))
	}
	for len(out) < max {
		select {
		case msg, ok := <-r.pc.Messages():
			if !ok {
				return out, nil
			}
			out = append(out, r.entry(msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (r *saramaReader) entry(msg *sarama.ConsumerMessage) streams.Entry {
	return streams.Entry{
		Partition: r.partition,
		Sequence:  msg.Offset,
		Enqueued:  msg.Timestamp,
		Body:      msg.Value,
	}
}

func (r *saramaReader) Close() error {
	if err := r.pc.Close(); err != nil {
		logging.L().Debug("sarama-driver: partition consumer close", "partition", string(r.partition), "err", err)
	}
	return r.consumer.Close()
}

func partitionIDs(ps []int32) []streams.PartitionID {
	sorted := append([]int32(nil), ps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := make([]streams.PartitionID, len(sorted))
	for i, p := range sorted {
		out[i] = streams.PartitionID(strconv.FormatInt(int64(p), 10))
	}
	return out
}

func partitionNumber(p streams.PartitionID) (int32, error) {
	n, err := strconv.ParseInt(string(p), 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("partition %q: %w", p, streams.ErrNotFound)
	}
	return int32(n), nil
}
