package migration_test

import (
	"errors"
	"testing"

	"github.com/bhyve-go/propolis-migrate/migration"
)

func TestKindWireRoundTrip(t *testing.T) {
	t.Parallel()

	for _, k := range []migration.Kind{
		migration.KindHTTP,
		migration.KindSourcePause,
		migration.KindPhase,
		migration.KindDeviceState,
	} {
		text := k.Wire()

		got := migration.ParseKind(text)
		if got.Wire() != k.Wire() {
			t.Errorf("ParseKind(%q).Wire() = %q, want %q", text, got.Wire(), k.Wire())
		}
	}
}

func TestKindWireDropsDetail(t *testing.T) {
	t.Parallel()

	k := migration.KindDeviceState.Withf("export %q: boom", "nvme0")

	if k.Wire() != "DeviceState" {
		t.Errorf("Wire() = %q, want %q (detail must not leak onto the wire)", k.Wire(), "DeviceState")
	}

	if k.Error() == k.Wire() {
		t.Errorf("Error() should include the detail beyond Wire()")
	}
}

func TestParseKindUnknownRoundTrips(t *testing.T) {
	t.Parallel()

	k := migration.ParseKind("SomeFutureKind")
	if k.Wire() != "SomeFutureKind" {
		t.Errorf("ParseKind(unknown).Wire() = %q, want %q", k.Wire(), "SomeFutureKind")
	}
}

func TestKindIs(t *testing.T) {
	t.Parallel()

	err := migration.KindPhase.With("invalid bitmap")

	if !errors.Is(err, migration.KindPhase) {
		t.Error("errors.Is(err, KindPhase) = false, want true")
	}

	if errors.Is(err, migration.KindSourcePause) {
		t.Error("errors.Is(err, KindSourcePause) = true, want false")
	}
}

func TestIncompatible(t *testing.T) {
	t.Parallel()

	k := migration.Incompatible("propolis-migrate-json/0", "propolis-migrate-json/1")

	if k.Wire() != "Incompatible" {
		t.Errorf("Wire() = %q, want %q", k.Wire(), "Incompatible")
	}

	if k.Error() == k.Wire() {
		t.Error("Error() should carry the two tokens being compared")
	}
}
