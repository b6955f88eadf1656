package eventlog

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/logflow/simlog/internal/model"
	slerrors "github.com/logflow/simlog/pkg/errors"
	"github.com/logflow/simlog/pkg/ids"
)

type fixture struct {
	reg  *ids.Registry
	home ids.ID
	link ids.ID
	a    ids.ID
	b    ids.ID
}

func newFixture() fixture {
	reg := ids.New()
	return fixture{
		reg:  reg,
		home: reg.Create(ids.CategoryString, "home"),
		link: reg.Create(ids.CategoryLink, "l1"),
		a:    reg.Create(ids.CategoryPerson, "A"),
		b:    reg.Create(ids.CategoryPerson, "B"),
	}
}

func (f fixture) start(t uint32, person ids.ID) model.Event {
	return model.ActivityStart{Time: t, Person: person, Link: f.link, ActType: f.home}
}

func (f fixture) end(t uint32, person ids.ID) model.Event {
	return model.ActivityEnd{Time: t, Person: person, Link: f.link, ActType: f.home}
}

// writeShard writes steps, one per event, to path.
func writeShard(t *testing.T, path string, events ...model.Event) {
	t.Helper()
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, ev := range events {
		if err := w.WriteStep(ev.SimTime(), ev); err != nil {
			t.Fatalf("WriteStep: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func readAll(t *testing.T, r *Reader) []model.Event {
	t.Helper()
	var out []model.Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ev)
	}
}

func TestShardPath(t *testing.T) {
	tests := []struct {
		ext      string
		expected string
	}{
		{"", filepath.Join("out", "events-3.binpb")},
		{"binpb.zst", filepath.Join("out", "events-3.binpb.zst")},
	}
	for _, tt := range tests {
		if got := ShardPath("out", "events", 3, tt.ext); got != tt.expected {
			t.Errorf("ShardPath(%q) = %q, want %q", tt.ext, got, tt.expected)
		}
	}
}

func TestReader_MergesShardsByTime(t *testing.T) {
	for _, ext := range []string{DefaultExtension, "binpb.zst"} {
		t.Run(ext, func(t *testing.T) {
			f := newFixture()
			dir := t.TempDir()
			writeShard(t, ShardPath(dir, "events", 0, ext), f.start(1, f.a), f.end(3, f.a))
			writeShard(t, ShardPath(dir, "events", 1, ext), f.start(2, f.b), f.end(4, f.b))

			r, err := Open(dir, "events", 2, f.reg, WithExtension(ext))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer r.Close()

			got := readAll(t, r)
			want := []model.Event{f.start(1, f.a), f.start(2, f.b), f.end(3, f.a), f.end(4, f.b)}
			if len(got) != len(want) {
				t.Fatalf("read %d events, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("event %d = %#v, want %#v", i, got[i], want[i])
				}
			}

			stats := r.Stats()
			if stats[0].Events != 2 || stats[1].Events != 2 {
				t.Errorf("stats = %+v", stats)
			}

			// Exhausted readers keep reporting EOF.
			if _, err := r.Next(); err != io.EOF {
				t.Errorf("Next after end = %v, want io.EOF", err)
			}
		})
	}
}

func TestReader_EqualTimesFollowShardIndex(t *testing.T) {
	f := newFixture()
	dir := t.TempDir()

	w0, err := Create(ShardPath(dir, "events", 0, ""))
	if err != nil {
		t.Fatal(err)
	}
	w0.WriteStep(5, f.start(5, f.a), f.end(5, f.a))
	w0.Close()
	writeShard(t, ShardPath(dir, "events", 1, ""), f.start(5, f.b))

	r, err := Open(dir, "events", 2, f.reg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got := readAll(t, r)
	want := []model.Event{f.start(5, f.a), f.end(5, f.a), f.start(5, f.b)}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestReader_AllKindsRoundTrip(t *testing.T) {
	reg := ids.New()
	car := reg.Create(ids.CategoryString, "car")
	walk := reg.Create(ids.CategoryString, "walk")
	person := reg.Create(ids.CategoryPerson, "p")
	link := reg.Create(ids.CategoryLink, "l")
	vehicle := reg.Create(ids.CategoryVehicle, "v")

	events := []model.Event{
		model.ActivityEnd{Time: 10, Person: person, Link: link, ActType: walk},
		model.PersonDeparture{Time: 10, Person: person, Link: link, LegMode: car, RoutingMode: car},
		model.PersonEntersVehicle{Time: 11, Person: person, Vehicle: vehicle},
		model.LinkLeave{Time: 12, Link: link, Vehicle: vehicle},
		model.LinkEnter{Time: 12, Link: link, Vehicle: vehicle},
		model.PersonLeavesVehicle{Time: 20, Person: person, Vehicle: vehicle},
		model.Travelled{Time: 20, Person: person, Distance: 1234.5, Mode: walk},
		model.PersonArrival{Time: 20, Person: person, Link: link, LegMode: car},
		model.ActivityStart{Time: 20, Person: person, Link: link, ActType: walk},
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, ev := range events {
		if err := w.WriteStep(ev.SimTime(), ev); err != nil {
			t.Fatalf("WriteStep(%s): %v", ev.Kind(), err)
		}
	}

	path := filepath.Join(t.TempDir(), "events-0.binpb")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := OpenPaths([]string{path}, reg)
	if err != nil {
		t.Fatalf("OpenPaths: %v", err)
	}
	defer r.Close()

	got := readAll(t, r)
	if len(got) != len(events) {
		t.Fatalf("read %d events, want %d", len(got), len(events))
	}
	for i := range events {
		if got[i] != events[i] {
			t.Errorf("event %d = %#v, want %#v", i, got[i], events[i])
		}
	}
}

func TestReader_MissingShard(t *testing.T) {
	f := newFixture()
	dir := t.TempDir()
	writeShard(t, ShardPath(dir, "events", 0, ""), f.start(1, f.a))

	_, err := Open(dir, "events", 2, f.reg)
	if !slerrors.IsCode(err, slerrors.CodeFileNotFound) {
		t.Errorf("Open error = %v, want code %s", err, slerrors.CodeFileNotFound)
	}
}

func TestReader_InvalidShardCount(t *testing.T) {
	if _, err := Open(t.TempDir(), "events", 0, ids.New()); err == nil {
		t.Error("Open with zero shards should fail")
	}
}

func TestReader_NilRegistry(t *testing.T) {
	f := newFixture()
	path := ShardPath(t.TempDir(), "events", 0, "")
	writeShard(t, path, f.start(1, f.a))

	if _, err := OpenPaths([]string{path}, nil); !slerrors.IsCode(err, slerrors.CodeRegistration) {
		t.Errorf("OpenPaths error = %v, want code %s", err, slerrors.CodeRegistration)
	}
}

// rawShard writes one frame holding a single hand-built event message.
func rawShard(t *testing.T, time uint32, event []byte) string {
	t.Helper()
	var msg []byte
	msg = protowire.AppendTag(msg, stepFieldTime, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(time))
	msg = protowire.AppendTag(msg, stepFieldEvents, protowire.BytesType)
	msg = protowire.AppendBytes(msg, event)
	frame := append(protowire.AppendVarint(nil, uint64(len(msg))), msg...)

	path := filepath.Join(t.TempDir(), "events-0.binpb")
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReader_DecodeErrors(t *testing.T) {
	f := newFixture()

	unknownKind := protowire.AppendTag(nil, 42, protowire.BytesType)
	unknownKind = protowire.AppendBytes(unknownKind, nil)

	var badHandle []byte
	{
		var body []byte
		body = protowire.AppendTag(body, 1, protowire.VarintType)
		body = protowire.AppendVarint(body, 99)
		badHandle = protowire.AppendTag(nil, protowire.Number(model.KindActivityStart), protowire.BytesType)
		badHandle = protowire.AppendBytes(badHandle, body)
	}

	tests := []struct {
		name  string
		event []byte
	}{
		{"unknown discriminant", unknownKind},
		{"missing discriminant", nil},
		{"unallocated handle", badHandle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := OpenPaths([]string{rawShard(t, 1, tt.event)}, f.reg)
			if err != nil {
				t.Fatalf("OpenPaths: %v", err)
			}
			defer r.Close()

			_, err = r.Next()
			if !slerrors.IsCode(err, slerrors.CodeDecode) {
				t.Fatalf("Next error = %v, want code %s", err, slerrors.CodeDecode)
			}
			if _, again := r.Next(); again != err {
				t.Errorf("second Next = %v, want sticky %v", again, err)
			}
		})
	}
}

func TestReader_DecreasingTime(t *testing.T) {
	f := newFixture()

	var buf bytes.Buffer
	steps := []struct {
		time uint32
		ev   model.Event
	}{
		{5, f.start(5, f.a)},
		{3, f.end(3, f.a)},
	}
	for _, s := range steps {
		b, err := appendStep(nil, s.time, []model.Event{s.ev})
		if err != nil {
			t.Fatal(err)
		}
		buf.Write(b)
	}
	path := filepath.Join(t.TempDir(), "events-0.binpb")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenPaths([]string{path}, f.reg)
	if err != nil {
		t.Fatalf("OpenPaths: %v", err)
	}
	defer r.Close()

	var lastErr error
	for i := 0; i < 3 && lastErr == nil; i++ {
		_, lastErr = r.Next()
	}
	if !slerrors.IsCode(lastErr, slerrors.CodeOutOfOrder) {
		t.Errorf("error = %v, want code %s", lastErr, slerrors.CodeOutOfOrder)
	}
}

func TestWriter_RejectsDecreasingTime(t *testing.T) {
	f := newFixture()
	w := NewWriter(io.Discard)

	if err := w.WriteStep(5, f.start(5, f.a)); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteStep(4, f.end(4, f.a)); !slerrors.IsCode(err, slerrors.CodeOutOfOrder) {
		t.Errorf("WriteStep error = %v, want code %s", err, slerrors.CodeOutOfOrder)
	}
	if err := w.WriteStep(6, f.end(7, f.a)); err == nil {
		t.Error("event time differing from step time should fail")
	}
}

func TestReader_CloseIsIdempotent(t *testing.T) {
	f := newFixture()
	dir := t.TempDir()
	writeShard(t, ShardPath(dir, "events", 0, ""), f.start(1, f.a))

	r, err := Open(dir, "events", 1, f.reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := r.Next(); err == nil {
		t.Error("Next on closed reader should fail")
	}
}
