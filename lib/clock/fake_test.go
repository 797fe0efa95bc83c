// Copyright 2026 The Syncpad Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ch := fake.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ch:
		if got, want := fired, time.Unix(5, 0); !got.Equal(want) {
			t.Errorf("fire time = %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	fake := Fake(time.Unix(0, 0))

	var order []string
	fake.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	fake.AfterFunc(time.Second, func() { order = append(order, "first") })
	stopped := fake.AfterFunc(3*time.Second, func() { order = append(order, "never") })

	if !stopped.Stop() {
		t.Fatal("Stop on a pending timer returned false")
	}
	if stopped.Stop() {
		t.Error("second Stop returned true")
	}

	fake.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("callback order = %v, want [first second]", order)
	}
}

func TestFakeTickerFiresRepeatedly(t *testing.T) {
	fake := Fake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	// The C channel has capacity 1 and the consumer drains between
	// ticks, so advancing one interval at a time delivers every tick.
	for tick := 1; tick <= 3; tick++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", tick)
		}
	}

	ticker.Stop()
	fake.Advance(time.Second)
	select {
	case <-ticker.C:
		t.Error("tick delivered after Stop")
	default:
	}
}

func TestFakeNowTracksAdvance(t *testing.T) {
	start := time.Unix(100, 0)
	fake := Fake(start)
	fake.Advance(90 * time.Millisecond)
	if got, want := fake.Now(), start.Add(90*time.Millisecond); !got.Equal(want) {
		t.Errorf("Now = %v, want %v", got, want)
	}
}
