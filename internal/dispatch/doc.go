// Package dispatch fans fired reminders out to subscribed guilds.
//
// For each fired event it resolves the subscription registry, renders a
// notification body with role-mention substitution, and delivers through the
// injected transport with bounded retry on transient failures. Permanent
// failures are recorded as faults and flag the subscription; they are never
// retried.
package dispatch
