// Package proto names the logical subscription scopes of the change feed.
package proto

import (
	"strings"
	"time"
)

const (
	// insert events on call_signals for one call
	CallSignalsPrefix = "call-signals-"

	// insert/update events on calls for one call
	CallStatusPrefix = "call-status-"

	// insert/update events on calls for either participant; the listener
	// filters for rows where it is the callee
	IncomingCallsPrefix = "incoming-calls-"
)

func CallSignals(callID string) string   { return CallSignalsPrefix + callID }
func CallStatus(callID string) string    { return CallStatusPrefix + callID }
func IncomingCalls(userID string) string { return IncomingCallsPrefix + userID }

// Scope splits a topic into its prefix and key. ok is false for unknown topics.
func Scope(topic string) (prefix, key string, ok bool) {
	for _, p := range []string{CallSignalsPrefix, CallStatusPrefix, IncomingCallsPrefix} {
		if strings.HasPrefix(topic, p) && len(topic) > len(p) {
			return p, topic[len(p):], true
		}
	}
	return "", "", false
}

func NowMillis() int64 { return time.Now().UnixMilli() }
