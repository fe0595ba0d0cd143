package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"perfwatch/core"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ruleValidator = validator.New()

// RoutingRules returns the explicit routing table
func (p *Pipeline) RoutingRules(ctx context.Context) ([]core.RoutingRule, error) {
	return p.store.RoutingRules(ctx)
}

// SetRoutingRules validates and replaces the whole routing table. Every rule
// must reference an existing endpoint.
func (p *Pipeline) SetRoutingRules(ctx context.Context, rules []core.RoutingRule) ([]core.RoutingRule, error) {
	out := make([]core.RoutingRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		r.AlertType = strings.ToUpper(strings.TrimSpace(r.AlertType))
		if sev, err := core.ParseSeverity(string(r.Severity)); err == nil {
			r.Severity = sev
		}
		if err := ruleValidator.Struct(r); err != nil {
			return nil, core.InvalidParameter("routing rule %d: %v", i, err)
		}
		if _, err := p.store.GetEndpoint(ctx, r.EndpointID); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				return nil, core.InvalidParameter("routing rule %d: unknown endpoint %s", i, r.EndpointID)
			}
			return nil, err
		}
		key := fmt.Sprintf("%s|%s|%s", r.AlertType, r.Severity, r.EndpointID)
		if seen[key] {
			continue
		}
		seen[key] = true
		r.ID = uuid.New().String()
		out = append(out, r)
	}
	if err := p.store.ReplaceRoutingRules(ctx, out); err != nil {
		return nil, err
	}
	p.logger.Infow("Routing rules replaced", "rules", len(out))
	return out, nil
}
