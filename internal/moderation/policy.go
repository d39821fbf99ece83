package moderation

import (
	"fmt"

	"civicphoto/internal/config"
)

// FailurePolicy decides what an upload gets when the classification service
// cannot answer.
type FailurePolicy interface {
	Name() string
	OnUnavailable(err error) (Verdict, error)
}

// StrictPolicy never lets an unclassified image through.
type StrictPolicy struct{}

func (StrictPolicy) Name() string { return config.PolicyStrict }

func (StrictPolicy) OnUnavailable(err error) (Verdict, error) {
	return Verdict{}, &UnavailableError{Err: err}
}

// PermissivePolicy flags unclassified images for audit instead of failing.
// Only meant for local development.
type PermissivePolicy struct{}

func (PermissivePolicy) Name() string { return config.PolicyPermissive }

func (PermissivePolicy) OnUnavailable(error) (Verdict, error) {
	return Verdict{
		Decision:   Warn,
		Category:   CategoryUnverified,
		Confidence: 0,
		Degraded:   true,
	}, nil
}

func PolicyFor(name string) (FailurePolicy, error) {
	switch name {
	case config.PolicyStrict, "":
		return StrictPolicy{}, nil
	case config.PolicyPermissive:
		return PermissivePolicy{}, nil
	}
	return nil, fmt.Errorf("unknown moderation policy %q", name)
}
