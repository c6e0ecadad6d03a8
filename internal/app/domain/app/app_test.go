package app

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPlanning, StatusGenerating, true},
		{StatusPlanning, StatusFailed, true},
		{StatusPlanning, StatusReady, false},
		{StatusGenerating, StatusReady, true},
		{StatusGenerating, StatusFailed, true},
		{StatusGenerating, StatusPlanning, false},
		{StatusReady, StatusGenerating, true},
		{StatusReady, StatusFailed, false},
		{StatusReady, StatusPlanning, false},
		{StatusFailed, StatusPlanning, false},
		{StatusFailed, StatusGenerating, false},
		{StatusFailed, StatusReady, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: got %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPlanning, StatusGenerating, StatusReady, StatusFailed} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if Status("DEPLOYED").Valid() {
		t.Errorf("unknown status should not be valid")
	}
}

func TestBuildable(t *testing.T) {
	if !StatusReady.Buildable() {
		t.Errorf("READY should be buildable")
	}
	if !StatusGenerating.Buildable() {
		t.Errorf("GENERATING should be buildable")
	}
	if StatusPlanning.Buildable() {
		t.Errorf("PLANNING should not be buildable")
	}
	if StatusFailed.Buildable() {
		t.Errorf("FAILED should not be buildable")
	}
}
