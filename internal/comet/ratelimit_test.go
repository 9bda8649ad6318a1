package comet

import "testing"

func TestDispatchLimiterAllowsUpToBurstThenBlocks(t *testing.T) {
	l := newDispatchLimiter(1, 2)

	if !l.allow("default/10.0.0.1") {
		t.Fatal("expected first call within burst to be allowed")
	}
	if !l.allow("default/10.0.0.1") {
		t.Fatal("expected second call within burst to be allowed")
	}
	if l.allow("default/10.0.0.1") {
		t.Fatal("expected third call to exceed the burst and be denied")
	}
}

func TestDispatchLimiterTracksKeysIndependently(t *testing.T) {
	l := newDispatchLimiter(1, 1)

	if !l.allow("default/10.0.0.1") {
		t.Fatal("expected first key's first call to be allowed")
	}
	if l.allow("default/10.0.0.1") {
		t.Fatal("expected first key's second call to be denied")
	}
	if !l.allow("default/10.0.0.2") {
		t.Fatal("expected a different key to have its own independent bucket")
	}
}
