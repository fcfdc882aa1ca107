package record

import (
	"testing"

	"github.com/basket/bgtaskd/internal/bgmode"
)

func TestKeyFormat(t *testing.T) {
	rec := &ContinuousTaskRecord{UID: 20010042, AbilityName: "NavAbility", AbilityID: 3}
	if rec.Key() != "20010042_NavAbility_3" {
		t.Fatalf("key = %q", rec.Key())
	}
	if MakeKey(1, "A", -1) != "1_A_-1" {
		t.Fatalf("key = %q", MakeKey(1, "A", -1))
	}
}

func TestModeMaskAndHasMode(t *testing.T) {
	rec := &ContinuousTaskRecord{Modes: []uint32{uint32(bgmode.Location), uint32(bgmode.VoIP)}}
	want := bgmode.Location.Bit() | bgmode.VoIP.Bit()
	if rec.ModeMask() != want {
		t.Fatalf("mask = %#x, want %#x", rec.ModeMask(), want)
	}
	if !rec.HasMode(bgmode.VoIP) || rec.HasMode(bgmode.Workout) {
		t.Fatal("HasMode mismatch")
	}
}

func TestCloneIsDeep(t *testing.T) {
	rec := &ContinuousTaskRecord{
		UID:      1,
		Modes:    []uint32{1, 2},
		SubModes: []uint32{1},
		Want:     &WantAgent{Bundle: "com.demo.maps", Ability: "NavAbility"},
	}
	cp := rec.Clone()
	cp.Modes[0] = 9
	cp.SubModes[0] = 9
	cp.Want.Bundle = "changed"

	if rec.Modes[0] != 1 || rec.SubModes[0] != 1 || rec.Want.Bundle != "com.demo.maps" {
		t.Fatal("clone shares state with the original")
	}
}

func TestAppEchoedCancelReason(t *testing.T) {
	echoed := map[int32]bool{
		CancelDismissNotification: true,
		CancelFreeze:              true,
	}
	for reason := CancelUser; reason <= CancelAppStopped; reason++ {
		if AppEchoedCancelReason(reason) != echoed[reason] {
			t.Fatalf("reason %d echoed = %v", reason, AppEchoedCancelReason(reason))
		}
	}
}
