package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinicmail/models"
)

// TriggerResolver returns when the subscriber's trigger condition for the
// sequence became true, or nil when it has not happened.
type TriggerResolver func(ctx context.Context, seq models.Sequence, sub models.Subscriber) (*time.Time, error)

// TriggerRegistry maps trigger kinds to resolvers
type TriggerRegistry struct {
	resolvers map[models.TriggerKind]TriggerResolver
}

// NewTriggerRegistry registers the built-in trigger kinds
func NewTriggerRegistry(store Store) *TriggerRegistry {
	r := &TriggerRegistry{resolvers: make(map[models.TriggerKind]TriggerResolver)}
	r.Register(models.TriggerNewsletterSignup, resolveSignup)
	r.Register(models.TriggerResourceDownload, resolveResourceDownload)
	r.Register(models.TriggerContactForm, func(ctx context.Context, _ models.Sequence, sub models.Subscriber) (*time.Time, error) {
		submission, err := store.LatestContactSubmission(ctx, sub.Email)
		if err != nil {
			return nil, fmt.Errorf("lookup contact submission: %w", err)
		}
		if submission == nil {
			return nil, nil
		}
		t := submission.CreatedAt
		return &t, nil
	})
	r.Register(models.TriggerCoursePurchase, func(ctx context.Context, _ models.Sequence, sub models.Subscriber) (*time.Time, error) {
		purchase, err := store.LatestPurchase(ctx, sub.Email)
		if err != nil {
			return nil, fmt.Errorf("lookup purchase: %w", err)
		}
		if purchase == nil {
			return nil, nil
		}
		t := purchase.CreatedAt
		return &t, nil
	})
	return r
}

// Register adds or replaces the resolver for a trigger kind
func (r *TriggerRegistry) Register(kind models.TriggerKind, fn TriggerResolver) {
	r.resolvers[kind] = fn
}

// Known reports whether a resolver exists for the kind
func (r *TriggerRegistry) Known(kind models.TriggerKind) bool {
	_, ok := r.resolvers[kind]
	return ok
}

// Resolve returns nil for kinds with no resolver, so those emails never schedule
func (r *TriggerRegistry) Resolve(ctx context.Context, seq models.Sequence, sub models.Subscriber) (*time.Time, error) {
	fn, ok := r.resolvers[seq.Trigger]
	if !ok {
		return nil, nil
	}
	return fn(ctx, seq, sub)
}

func resolveSignup(_ context.Context, _ models.Sequence, sub models.Subscriber) (*time.Time, error) {
	t := sub.CreatedAt
	return &t, nil
}

func resolveResourceDownload(_ context.Context, _ models.Sequence, sub models.Subscriber) (*time.Time, error) {
	if t, ok := parseMetaTime(sub.MetaString(models.MetaDownloadDate)); ok {
		return &t, nil
	}
	if sub.Source == models.SourceResourceDownload {
		t := sub.CreatedAt
		return &t, nil
	}
	return nil, nil
}

var metaTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseMetaTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range metaTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
