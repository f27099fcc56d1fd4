package payment

import (
	"fmt"
	"sort"

	"github.com/joao-fontenele/licenseflow/internal/domain"
	"github.com/joao-fontenele/licenseflow/internal/pricing"
)

// Gateway is the configuration of one payment processor. Adding a processor that
// uses an existing signature scheme and payload format is a configuration change.
type Gateway struct {
	ID              string
	Kind            GatewayKind
	SignatureHeader string
	Secret          string
	PayloadFormat   PayloadFormat
	Fee             pricing.FeeModel

	verifier Verifier
}

// Authenticate verifies the signature and, only then, normalizes the payload.
func (g *Gateway) Authenticate(payload []byte, signatureHeader string) (domain.PaymentEvent, error) {
	if !g.verifier.Verify(payload, signatureHeader, g.Secret) {
		return domain.PaymentEvent{}, domain.ErrUnauthenticatedWebhook
	}

	event, err := Parse(g.PayloadFormat, payload)
	if err != nil {
		return domain.PaymentEvent{}, err
	}
	event.GatewayID = g.ID
	return event, nil
}

type Registry struct {
	gateways map[string]*Gateway
}

func NewRegistry(gateways ...Gateway) (*Registry, error) {
	r := &Registry{gateways: make(map[string]*Gateway, len(gateways))}

	for _, g := range gateways {
		if g.ID == "" {
			return nil, fmt.Errorf("gateway id is required")
		}
		if g.ID == domain.PaymentMethodFree {
			return nil, fmt.Errorf("gateway id %q is reserved", g.ID)
		}
		if _, exists := r.gateways[g.ID]; exists {
			return nil, fmt.Errorf("duplicate gateway %q", g.ID)
		}
		verifier, err := VerifierFor(g.Kind)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", g.ID, err)
		}
		if !g.PayloadFormat.valid() {
			return nil, fmt.Errorf("gateway %s: unsupported payload format %q", g.ID, g.PayloadFormat)
		}
		if err := g.Fee.Validate(); err != nil {
			return nil, fmt.Errorf("gateway %s: %w", g.ID, err)
		}
		if g.SignatureHeader == "" {
			return nil, fmt.Errorf("gateway %s: signature header is required", g.ID)
		}

		g.verifier = verifier
		gateway := g
		r.gateways[g.ID] = &gateway
	}

	return r, nil
}

func (r *Registry) Get(id string) (*Gateway, error) {
	g, ok := r.gateways[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownGateway, id)
	}
	return g, nil
}

// Supports reports whether method can be used at checkout.
func (r *Registry) Supports(method string) bool {
	if method == domain.PaymentMethodFree {
		return true
	}
	_, ok := r.gateways[method]
	return ok
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.gateways))
	for id := range r.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
