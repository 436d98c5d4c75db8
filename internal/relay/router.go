package relay

import (
	"encoding/json"
	"fmt"

	"github.com/mossy-p/call-relay/internal/models"
	"github.com/rs/zerolog"
)

// Router forwards signal envelopes to whoever joined under the recipient id.
// It never looks at kind or payload.
type Router struct {
	registry *Registry
	log      zerolog.Logger
}

func NewRouter(registry *Registry, log zerolog.Logger) *Router {
	return &Router{registry: registry, log: log}
}

// Route forwards the raw envelope data to every connection of its recipient
// and returns the number of connections that took it. An absent recipient is
// not an error.
func (r *Router) Route(data json.RawMessage) (int, error) {
	var addr struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.Unmarshal(data, &addr); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrMalformedEnvelope, err)
	}
	if addr.To == "" {
		return 0, fmt.Errorf("%w: missing recipient", models.ErrMalformedEnvelope)
	}

	frame, err := json.Marshal(models.Message{Event: models.EventSignal, Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal signal frame: %w", err)
	}

	delivered := 0
	for _, c := range r.registry.Resolve(addr.To) {
		if c.Send(frame) {
			delivered++
		}
	}
	if delivered == 0 {
		r.log.Debug().Str("from", addr.From).Str("to", addr.To).Msg("Signal recipient not connected, dropped")
	}
	return delivered, nil
}
