// Package storage persists the scheduling state: pending reminders, guild
// subscriptions, the webhook directory, and dispatch faults.
package storage
