// Package storage persists scheduled tasks, chat history and the fire audit
// trail. Two drivers share one contract: sqlite (modernc, pure Go) and a
// dependency-free snapshot + journal file backend.
package storage
