package segment

import (
	"context"
	"time"

	"routex/internal/storage"
	logx "routex/pkg/logx"
)

// RecipientLister is the narrow store view the resolver needs.
type RecipientLister interface {
	ListRecipients(ctx context.Context, q storage.RecipientQuery) ([]storage.Recipient, error)
}

type Resolver struct {
	store RecipientLister
	log   logx.Logger
	now   func() time.Time
}

func NewResolver(store RecipientLister, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		store: store,
		log:   log.With(logx.String("comp", "segment")),
		now:   time.Now,
	}
}

// Query maps a segment to the store filter. Custom filters are validated
// first and nothing is queried when they fail.
func (r *Resolver) Query(seg Segment) (storage.RecipientQuery, error) {
	if err := Validate(seg); err != nil {
		return storage.RecipientQuery{}, err
	}
	switch v := seg.(type) {
	case nil, AllSubscribed:
		return storage.RecipientQuery{SubscribedOnly: true}, nil
	case NoKey:
		return storage.RecipientQuery{SubscribedOnly: true, NoKey: true}, nil
	case InactiveFor:
		p := v.Period
		if p <= 0 {
			p = DefaultInactivePeriod
		}
		before := r.now().Add(-p)
		return storage.RecipientQuery{SubscribedOnly: true, InactiveBefore: &before}, nil
	case Donors:
		return storage.RecipientQuery{SubscribedOnly: true, DonorsOnly: true}, nil
	case CustomFilter:
		return storage.RecipientQuery{Where: v.Where}, nil
	default:
		r.log.Warn("unknown segment, using all_subscribed", logx.String("segment", seg.Tag()))
		return storage.RecipientQuery{SubscribedOnly: true}, nil
	}
}

// Resolve returns the matching recipients in store order.
func (r *Resolver) Resolve(ctx context.Context, seg Segment) ([]storage.Recipient, error) {
	q, err := r.Query(seg)
	if err != nil {
		return nil, err
	}
	return r.store.ListRecipients(ctx, q)
}
