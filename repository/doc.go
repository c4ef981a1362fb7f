// Package repository provides generic repositories over bun models: CRUD,
// paging and slicing, derived and named finders, bulk updates and upserts.
// Operations run inside a session.Session so loaded entities join its
// identity map and change tracking.
package repository
