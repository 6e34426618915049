package hub

import (
	"errors"
	"testing"

	"github.com/IBM/sarama"

	"logbridge/streams"
)

func TestSaramaConfig(t *testing.T) {
	sc, err := saramaConfig(Settings{Version: "3.6.0", TLSEnabled: true, SASLUser: "u", SASLPass: "p"})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if !sc.Producer.Return.Successes || !sc.Consumer.Return.Errors {
		t.Fatal("sync producer and consumer errors must be enabled")
	}
	if !sc.Net.TLS.Enable || !sc.Net.SASL.Enable || sc.Net.SASL.User != "u" {
		t.Fatalf("auth not applied: tls=%v sasl=%v", sc.Net.TLS.Enable, sc.Net.SASL.Enable)
	}
	if sc.ClientID != "logbridge" {
		t.Fatalf("client id = %q", sc.ClientID)
	}

	_, err = saramaConfig(Settings{Version: "not-a-version"})
	if !errors.Is(err, streams.ErrInvalidConfiguration) {
		t.Fatalf("bad version: %v", err)
	}
}

func TestSaramaOffset(t *testing.T) {
	tok := streams.SequenceToken{Sequence: 41, EventIndex: 2}
	cases := []struct {
		pos  streams.Position
		want int64
	}{
		{streams.FromStart(), sarama.OffsetOldest},
		{streams.FromEnd(), sarama.OffsetNewest},
		{streams.At(tok), 41},
		{streams.After(tok), 42},
	}
	for _, tc := range cases {
		if got := saramaOffset(tc.pos); got != tc.want {
			t.Fatalf("%s: offset %d, want %d", tc.pos, got, tc.want)
		}
	}
}

func TestPartitionIDs(t *testing.T) {
	got := partitionIDs([]int32{2, 0, 1})
	if len(got) != 3 || got[0] != "0" || got[2] != "2" {
		t.Fatalf("ids = %v", got)
	}
	if _, err := partitionNumber("x"); !errors.Is(err, streams.ErrNotFound) {
		t.Fatalf("non-numeric partition: %v", err)
	}
	if n, err := partitionNumber("7"); err != nil || n != 7 {
		t.Fatalf("partitionNumber(7) = %d %v", n, err)
	}
}
