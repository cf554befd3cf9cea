package analysis

import (
	"testing"
	"testing/synctest"
	"time"
)

func fired(s *StallTimer) bool {
	select {
	case <-s.Fired():
		return true
	default:
		return false
	}
}

func TestStallTimerFiresAfterTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewStallTimer(300 * time.Second)

		time.Sleep(299 * time.Second)
		synctest.Wait()
		if fired(s) {
			t.Fatal("timer fired before the deadline")
		}

		time.Sleep(2 * time.Second)
		synctest.Wait()
		if !fired(s) {
			t.Fatal("timer did not fire after the deadline")
		}
	})
}

func TestStallTimerResetDefersDeadline(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewStallTimer(300 * time.Second)

		// Activity every 100s keeps pushing the deadline out well past the
		// point where an idle timer would have fired.
		for i := 0; i < 10; i++ {
			time.Sleep(100 * time.Second)
			s.Reset()
		}
		synctest.Wait()
		if fired(s) {
			t.Fatal("timer fired despite steady activity")
		}

		time.Sleep(301 * time.Second)
		synctest.Wait()
		if !fired(s) {
			t.Fatal("timer did not fire once activity stopped")
		}
	})
}

func TestStallTimerFiresAtMostOnce(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewStallTimer(10 * time.Second)

		time.Sleep(11 * time.Second)
		synctest.Wait()
		if !fired(s) {
			t.Fatal("timer did not fire")
		}

		// Late resets must not re-arm a fired timer. A second fire would
		// close the channel again and panic.
		s.Reset()
		time.Sleep(time.Minute)
		synctest.Wait()
	})
}

func TestStallTimerStopPreventsFiring(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		s := NewStallTimer(10 * time.Second)

		time.Sleep(5 * time.Second)
		s.Stop()

		time.Sleep(time.Minute)
		synctest.Wait()
		if fired(s) {
			t.Fatal("timer fired after Stop")
		}

		s.Reset()
		time.Sleep(time.Minute)
		synctest.Wait()
		if fired(s) {
			t.Fatal("reset after Stop re-armed the timer")
		}
	})
}

func TestStallTimerDisabled(t *testing.T) {
	s := NewStallTimer(0)
	s.Reset()
	s.Stop()
	if fired(s) {
		t.Fatal("disabled timer fired")
	}
}
