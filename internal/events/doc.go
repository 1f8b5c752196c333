// Package events turns successive membership states into typed cluster
// events and delivers them to subscribers.
package events
