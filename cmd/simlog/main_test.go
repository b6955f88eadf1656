package main

import (
	"strings"
	"testing"

	"github.com/logflow/simlog/internal/model"
	"github.com/logflow/simlog/pkg/ids"
)

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in       string
		expected ids.Category
		wantErr  bool
	}{
		{"person", ids.CategoryPerson, false},
		{"vehicle_type", ids.CategoryVehicleType, false},
		{"6", ids.CategoryVehicle, false},
		{"people", 0, true},
	}
	for _, tt := range tests {
		got, err := parseCategory(tt.in)
		if (err != nil) != tt.wantErr || got != tt.expected {
			t.Errorf("parseCategory(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestDescribe(t *testing.T) {
	reg := ids.New()
	ev := model.PersonDeparture{
		Time:        3723,
		Person:      reg.Create(ids.CategoryPerson, "A"),
		Link:        reg.Create(ids.CategoryLink, "l1"),
		LegMode:     reg.Create(ids.CategoryString, "car"),
		RoutingMode: reg.Create(ids.CategoryString, "car"),
	}
	got := describe(reg, ev)
	for _, want := range []string{"01:02:03", "departure", "person=A", "link=l1", "mode=car"} {
		if !strings.Contains(got, want) {
			t.Errorf("describe = %q, missing %q", got, want)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"replay": false, "batch": false, "ids": false, "events": false, "summarize": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
