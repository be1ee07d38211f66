package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRegistryWatch    = errors.New("registry watch failed")
	ErrUpstreamOpen     = errors.New("upstream subscription open failed")
	ErrUpstreamStream   = errors.New("upstream stream failed")
	ErrUpstreamComplete = errors.New("upstream stream completed")
	ErrLookup           = errors.New("enrichment lookup failed")
	// ErrNoEnrichment marks a lookup the service answered without usable data.
	ErrNoEnrichment        = errors.New("no enrichment available")
	ErrDestinationNotFound = errors.New("destination not found")
	ErrDelivery            = errors.New("delivery failed")
	ErrCircuitOpen         = errors.New("circuit open")
)

// LookupError reports a failed enrichment for one reference key.
type LookupError struct {
	Key string
	Err error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup %s: %v", e.Key, e.Err)
}

func (e *LookupError) Unwrap() []error { return []error{ErrLookup, e.Err} }

// DeliveryError reports a rejected delivery to one destination. Status is
// the collaborator's status code when there was one.
type DeliveryError struct {
	Destination Destination
	Status      int
	Err         error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("deliver to %s: status %d: %v", e.Destination, e.Status, e.Err)
	}
	return fmt.Sprintf("deliver to %s: %v", e.Destination, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDelivery, e.Err} }
