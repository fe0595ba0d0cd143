package alerting

import (
	"context"
	"sort"
	"time"

	"perfwatch/core"
)

// Escalation is an undelivered notification older than its severity window
type Escalation struct {
	Item   *core.NotificationQueueItem `json:"item"`
	Age    time.Duration               `json:"age"`
	Window time.Duration               `json:"window"`
}

// EscalationQueue lists items not yet sent whose age has reached the
// escalation window of their severity, oldest first. CRITICAL items escalate
// immediately.
func (p *Pipeline) EscalationQueue(ctx context.Context) ([]Escalation, error) {
	items, err := p.store.UnsentItems(ctx)
	if err != nil {
		return nil, err
	}
	now := p.clock.Now()
	var out []Escalation
	for _, it := range items {
		if it.Status == core.NotificationSent {
			continue
		}
		window := p.rules.RoutingFor(string(it.Severity)).EscalateAfter
		age := now.Sub(it.CreatedAt)
		if age >= window {
			out = append(out, Escalation{Item: it, Age: age, Window: window})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Age > out[j].Age })
	return out, nil
}
