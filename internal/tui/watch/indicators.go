package watch

import (
	"strings"
	"time"
)

// Ticker advances once per scheduler tick seen on the stream. A frozen
// frame means the gateway stopped ticking.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{frames: []string{"◐", "◓", "◑", "◒"}}
}

func (t *Ticker) Tick(now time.Time) {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = now
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

func (t Ticker) LastTick() time.Time { return t.lastTick }

const activityDots = 5

// Activity lights up on events and fades one dot every two seconds.
type Activity struct {
	dots      int
	lastEvent time.Time
}

func (a *Activity) OnEvent(now time.Time) {
	a.dots = activityDots
	a.lastEvent = now
}

func (a *Activity) Decay(now time.Time) {
	if a.lastEvent.IsZero() {
		return
	}
	faded := int(now.Sub(a.lastEvent) / (2 * time.Second))
	a.dots = max(activityDots-faded, 0)
}

func (a Activity) Dots() int { return a.dots }

func (a Activity) Render(theme Theme) string {
	var sb strings.Builder
	for i := range activityDots {
		if i < a.dots {
			sb.WriteString(theme.PulseOn.Render("●"))
		} else {
			sb.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return sb.String()
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}
