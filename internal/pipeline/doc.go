// Package pipeline synchronizes the route store with the external source:
// fetch the page, extract route cards, upsert each record by name and report
// the tally.
package pipeline
