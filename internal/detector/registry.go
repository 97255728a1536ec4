package detector

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/revback/core/pkg/database"
)

// Registry holds every detector, constructed once at startup.
type Registry struct {
	detectors map[string]Detector
	order     []string
}

// NewRegistry builds the registry with all required detectors wired in.
func NewRegistry(db *database.Database, logger *zap.Logger) *Registry {
	r := &Registry{detectors: make(map[string]Detector)}

	r.register(NewPaymentWithoutEntitlement(db, logger))
	r.register(NewEntitlementWithoutPayment(db, logger))
	r.register(NewUnrevokedRefund(db, logger))
	r.register(NewSilentRenewalFailure(db, logger))
	r.register(NewCrossPlatformConflict(db, logger))
	r.register(NewDuplicateBilling(db, logger))
	r.register(NewWebhookDeliveryGap(db, logger))
	r.register(NewTrialNoConversion(db, logger))
	r.register(NewStaleSubscription(db, logger))
	r.register(NewDataFreshness(db, logger))
	r.register(NewVerifiedPaidNoAccess(db, logger))
	r.register(NewVerifiedAccessNoPayment(db, logger))

	return r
}

func (r *Registry) register(d Detector) {
	r.detectors[d.ID()] = d
	r.order = append(r.order, d.ID())
}

// All returns every registered detector, in registration order.
func (r *Registry) All() []Detector {
	out := make([]Detector, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.detectors[id])
	}
	return out
}

// WithScheduledScan returns every detector implementing ScheduledScanner.
func (r *Registry) WithScheduledScan() []Detector {
	var out []Detector
	for _, id := range r.order {
		if _, ok := r.detectors[id].(ScheduledScanner); ok {
			out = append(out, r.detectors[id])
		}
	}
	return out
}

// Get looks up a detector by id.
func (r *Registry) Get(id string) (Detector, error) {
	d, ok := r.detectors[id]
	if !ok {
		return nil, fmt.Errorf("unknown detector: %s", id)
	}
	return d, nil
}
