package router

import (
	"context"
	"errors"
	"fmt"

	"zela-agent/internal/domain"
)

// ErrHandlerNotRegistered is a configuration error: a decision names an
// operation no handler was registered for.
var ErrHandlerNotRegistered = errors.New("router: no handler registered for service")

// Handler executes one operation kind.
type Handler func(ctx context.Context, fields map[string]any, userID string) (any, error)

// Dispatcher holds the handler table built at start-up.
type Dispatcher struct {
	handlers map[domain.ServiceID]Handler
}

// NewDispatcher validates handlers against the closed set of service ids.
func NewDispatcher(handlers map[domain.ServiceID]Handler) (*Dispatcher, error) {
	d := &Dispatcher{handlers: make(map[domain.ServiceID]Handler, len(handlers))}
	for id, h := range handlers {
		if !id.Known() {
			return nil, fmt.Errorf("router: cannot register handler for unknown service %q", id)
		}
		if h == nil {
			return nil, fmt.Errorf("router: nil handler for service %q", id)
		}
		d.handlers[id] = h
	}
	return d, nil
}

// Execute runs the handler registered for decision.ServiceID.
func (d *Dispatcher) Execute(ctx context.Context, decision domain.RouteDecision, userID string) (any, error) {
	var h Handler
	switch decision.ServiceID {
	case domain.ServiceTransaction, domain.ServiceSchedule, domain.ServiceQuery:
		h = d.handlers[decision.ServiceID]
	}
	if h == nil {
		return nil, fmt.Errorf("%w: %q", ErrHandlerNotRegistered, decision.ServiceID)
	}
	return h(ctx, decision.ExtractedFields, userID)
}
