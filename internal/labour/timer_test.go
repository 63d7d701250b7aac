package labour

import (
	"testing"
	"time"
)

func TestDeadlineRestartCancelsPrevious(t *testing.T) {
	d := newDeadline("response", 30*time.Millisecond)
	d.start()
	first := d.C()
	d.start()

	select {
	case <-first:
		t.Fatal("重新启动后旧计时器不应触发")
	case <-d.C():
	case <-time.After(time.Second):
		t.Fatal("新计时器未触发")
	}
	d.expired()
	if d.armed() {
		t.Error("触发后不应处于启动状态")
	}
}

func TestDeadlineStop(t *testing.T) {
	d := newDeadline("heartbeat", 10*time.Millisecond)
	if d.C() != nil {
		t.Error("未启动时通道应为 nil")
	}
	d.start()
	d.stop()
	if d.C() != nil || d.armed() {
		t.Error("停止后通道应为 nil")
	}
	d.stop()
}
