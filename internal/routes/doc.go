// Package routes defines the train-route domain types, the error taxonomy and
// the interfaces shared by the extractor, stores, fetchers and the sync
// pipeline. This package must not import database drivers or concrete clients.
package routes
