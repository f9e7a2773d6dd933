package emerge

import "time"

// ProgressHandler passes progress updates to Display no more often than
// MinLatency. The final update always gets through.
type ProgressHandler struct {
	curval, maxval int
	MinLatency     time.Duration
	Display        func(curval, maxval int)

	lastUpdate time.Time
	now        func() time.Time
}

func NewProgressHandler(display func(curval, maxval int)) *ProgressHandler {
	return &ProgressHandler{MinLatency: 200 * time.Millisecond, Display: display, now: time.Now}
}

func (p *ProgressHandler) OnProgress(maxval, curval int) {
	p.maxval = maxval
	p.curval = curval
	t := p.now()
	if curval < maxval && t.Sub(p.lastUpdate) < p.MinLatency {
		return
	}
	p.lastUpdate = t
	if p.Display != nil {
		p.Display(curval, maxval)
	}
}
