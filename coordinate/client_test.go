package coordinate

import (
	"math"
	"reflect"
	"testing"
	"time"
)

func TestClient_NewClient(t *testing.T) {
	config := DefaultConfig()
	client, err := NewClient(config)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(NewCoordinate(config), client.GetCoordinate()) {
		t.Fatalf("a new client should start at the origin")
	}
}

func TestClient_NewClientBadDimensionality(t *testing.T) {
	config := DefaultConfig()
	config.Dimensionality = 0
	if _, err := NewClient(config); err == nil {
		t.Fatalf("expected an error for zero dimensionality")
	}
}

func TestClient_Update(t *testing.T) {
	rtt := 100 * time.Millisecond
	a, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10000; i++ {
		a.Update(b.GetCoordinate(), rtt)
		b.Update(a.GetCoordinate(), rtt)
	}

	dist := a.DistanceTo(b.GetCoordinate())
	if math.Abs(float64((rtt-dist).Nanoseconds())) > 0.01*float64(rtt.Nanoseconds()) {
		t.Fatalf("coordinates should converge toward the observed RTT: want %v got %v", rtt, dist)
	}
}

func TestClient_DimensionalityConflictPanics(t *testing.T) {
	a, err := NewClient(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	small := DefaultConfig()
	small.Dimensionality = 2
	other := NewCoordinate(small)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic when updating with a mismatched dimensionality")
		}
	}()
	a.Update(other, time.Second)
}
