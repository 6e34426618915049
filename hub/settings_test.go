package hub

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"logbridge/streams"
)

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name  string
		s     Settings
		field string
	}{
		{"no driver", Settings{}, "hub.driver"},
		{"no brokers", Settings{Driver: DriverSarama, Path: "events"}, "hub.connection_string"},
		{"no topic", Settings{Driver: DriverKgo, ConnectionString: "b:9092"}, "hub.path"},
		{"memory without partitions", Settings{Driver: DriverMemory}, "hub.partitions"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.s.Validate()
			var ce *streams.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("want ConfigError, got %v", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("field = %q, want %q", ce.Field, tc.field)
			}
		})
	}

	ok := Settings{Driver: DriverSarama, ConnectionString: "a:9092", Path: "events"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
}

func TestSettingsResolveFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	doc := "connection_string: \"a:9092, b:9092 ,\"\npath: orders\nsasl_user: svc\nsasl_pass: s3cret\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Settings{Driver: DriverKgo, Path: "ignored", SettingsFile: path}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Path != "orders" || s.SASLUser != "svc" || s.SASLPass != "s3cret" {
		t.Fatalf("file fields not applied: %+v", s)
	}
	if s.Driver != DriverKgo {
		t.Fatalf("driver overwritten: %q", s.Driver)
	}
	if got := s.Brokers(); len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("brokers = %v", got)
	}

	if _, err := (Settings{SettingsFile: filepath.Join(t.TempDir(), "missing.yaml")}).Resolve(); err == nil {
		t.Fatal("missing settings file should fail")
	}
}

func TestOpenUsesRegistry(t *testing.T) {
	c, err := Open(Settings{Driver: DriverMemory, Partitions: 3})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	if _, ok := c.(*Memory); !ok {
		t.Fatalf("got %T", c)
	}

	if _, err := Open(Settings{Driver: "confluent", ConnectionString: "a:1", Path: "t"}); err == nil {
		t.Fatal("unknown driver should fail")
	}

	want := []string{DriverKgo, DriverMemory, DriverSarama}
	got := Drivers()
	for _, w := range want {
		found := false
		for _, g := range got {
			found = found || g == w
		}
		if !found {
			t.Fatalf("driver %q not registered: %v", w, got)
		}
	}
}
