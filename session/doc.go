// Package session provides units of work over bun: one transaction per
// Session, an identity map of loaded entities, snapshot based dirty checking
// flushed before queries and at commit, lazy to-one references bound to the
// loading session, and pessimistic locks with an explicit timeout.
package session
