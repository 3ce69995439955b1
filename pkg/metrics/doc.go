// Package metrics registers the Prometheus collectors exposed on the
// telemetry listener and adapts them to the agent.Metrics interface.
//
// There is no background collector here: every value is observation-
// driven, set directly by the control plane and the update coordinator
// as events occur, rather than polled on a ticker.
package metrics
