package hub

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"logbridge/streams"
)

func startRedpanda(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test")
	}
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func createTopic(t *testing.T, broker, topic string, partitions int32) {
	t.Helper()
	cl, err := kgo.NewClient(kgo.SeedBrokers(broker))
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	defer cl.Close()

	req := kmsg.NewPtrCreateTopicsRequest()
	rt := kmsg.NewCreateTopicsRequestTopic()
	rt.Topic = topic
	rt.NumPartitions = partitions
	rt.ReplicationFactor = 1
	req.Topics = append(req.Topics, rt)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := req.RequestWith(ctx, cl)
	if err != nil {
		t.Fatalf("create topic: %v", err)
	}
	for _, r := range resp.Topics {
		if err := kerr.ErrorForCode(r.ErrorCode); err != nil && !errors.Is(err, kerr.TopicAlreadyExists) {
			t.Fatalf("create topic %s: %v", r.Topic, err)
		}
	}
}

func TestDriversAgainstRedpanda(t *testing.T) {
	broker := startRedpanda(t)

	for _, driver := range []string{DriverSarama, DriverKgo} {
		t.Run(driver, func(t *testing.T) {
			topic := "it-" + driver
			createTopic(t, broker, topic, 3)

			c, err := Open(Settings{Driver: driver, ConnectionString: broker, Path: topic})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ps, err := c.Partitions(ctx)
			if err != nil {
				t.Fatalf("partitions: %v", err)
			}
			if len(ps) != 3 || ps[0] != "0" || ps[2] != "2" {
				t.Fatalf("partitions = %v", ps)
			}

			var seqs []int64
			for i := 0; i < 3; i++ {
				seq, err := c.Send(ctx, "2", []byte("k"), []byte(fmt.Sprintf("v%d", i)))
				if err != nil {
					t.Fatalf("send: %v", err)
				}
				seqs = append(seqs, seq)
			}

			r, err := c.OpenReader(ctx, "2", streams.After(streams.SequenceToken{Sequence: seqs[0]}))
			if err != nil {
				t.Fatalf("open reader: %v", err)
			}
			defer r.Close()

			var got []streams.Entry
			for len(got) < 2 && ctx.Err() == nil {
				es, err := r.Receive(ctx, 10)
				if err != nil {
					t.Fatalf("receive: %v", err)
				}
				got = append(got, es...)
			}
			if len(got) != 2 || got[0].Sequence != seqs[1] || string(got[1].Body) != "v2" {
				t.Fatalf("received %+v", got)
			}
		})
	}
}
