package labour

import "time"

// deadline 一次性计时器，重新启动前总是先停止旧计时器
type deadline struct {
	name     string
	duration time.Duration
	timer    *time.Timer
}

func newDeadline(name string, d time.Duration) *deadline {
	return &deadline{name: name, duration: d}
}

func (d *deadline) start() {
	d.stop()
	d.timer = time.NewTimer(d.duration)
}

func (d *deadline) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// C 未启动时返回 nil，在 select 中永远不会就绪
func (d *deadline) C() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

// expired 计时器触发后调用，触发过的计时器不会自动重启
func (d *deadline) expired() {
	d.timer = nil
}

func (d *deadline) armed() bool {
	return d.timer != nil
}
