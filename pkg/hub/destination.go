// Package hub contains the public domain models, interfaces, and error
// taxonomy for the message hub. It defines the contract for interacting
// with the routing core.
package hub

import (
	"fmt"
	"strings"
)

// DestinationClass identifies the routing algorithm for a destination.
// The class is determined entirely by the destination's prefix.
type DestinationClass int

const (
	// ClassTopic is a broadcast topic: fan-out to every subscriber.
	ClassTopic DestinationClass = iota
	// ClassUserQueue targets the current connections of one principal.
	ClassUserQueue
	// ClassApp is an application-inbound action handled by business logic.
	ClassApp
)

const (
	topicPrefix     = "topic."
	userQueuePrefix = "user-queue."
	appPrefix       = "app."
)

// Destination is a parsed, validated destination string.
type Destination struct {
	raw   string
	class DestinationClass
}

// ParseDestination validates a destination string and resolves its class.
// Clients depend on the exact grammar:
//
//	topic.<segment>(.<segment>)*
//	user-queue.<principal>(.<name>)*
//	app.<action>
//
// Anything else fails with ErrInvalidDestination.
func ParseDestination(s string) (Destination, error) {
	switch {
	case strings.HasPrefix(s, topicPrefix):
		if !validSegments(s[len(topicPrefix):]) {
			return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
		}
		return Destination{raw: s, class: ClassTopic}, nil

	case strings.HasPrefix(s, userQueuePrefix):
		if !validSegments(s[len(userQueuePrefix):]) {
			return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
		}
		return Destination{raw: s, class: ClassUserQueue}, nil

	case strings.HasPrefix(s, appPrefix):
		if s == appPrefix {
			return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
		}
		return Destination{raw: s, class: ClassApp}, nil

	default:
		return Destination{}, fmt.Errorf("%w: %q", ErrInvalidDestination, s)
	}
}

// validSegments reports whether rest is one or more non-empty dot-separated
// segments.
func validSegments(rest string) bool {
	if rest == "" {
		return false
	}
	for _, seg := range strings.Split(rest, ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

// String returns the raw destination string.
func (d Destination) String() string { return d.raw }

// Class returns the destination's routing class.
func (d Destination) Class() DestinationClass { return d.class }

// Principal returns the principal segment of a user queue destination
// (the first segment after the prefix). Empty for other classes.
func (d Destination) Principal() string {
	if d.class != ClassUserQueue {
		return ""
	}
	rest := d.raw[len(userQueuePrefix):]
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// Action returns the action name of an application-inbound destination.
// Empty for other classes.
func (d Destination) Action() string {
	if d.class != ClassApp {
		return ""
	}
	return d.raw[len(appPrefix):]
}
