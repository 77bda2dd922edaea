package capture

import (
	"bytes"
	"testing"
	"time"
)

func TestCopySigned(t *testing.T) {
	src := []int8{0, 1, -1, -2, 127, -128, -56}
	dst := make([]byte, len(src))

	copySigned(dst, src)

	expected := []byte{0, 1, 255, 254, 127, 128, 200}
	if !bytes.Equal(dst, expected) {
		t.Errorf("Expected %v, got %v", expected, dst)
	}
}

func TestLifecycleWaitDone(t *testing.T) {
	t.Run("delivery exits", func(t *testing.T) {
		l := newLifecycle()
		go func() {
			<-l.stop
			close(l.done)
		}()

		l.requestStop()
		if !l.waitDone(time.Second) {
			t.Error("Expected delivery goroutine to be seen exiting")
		}
	})

	t.Run("wedged delivery is abandoned", func(t *testing.T) {
		l := newLifecycle()
		l.requestStop()

		start := time.Now()
		if l.waitDone(50 * time.Millisecond) {
			t.Fatal("Expected wait to time out")
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("Expected bounded wait, took %v", elapsed)
		}
	})
}
