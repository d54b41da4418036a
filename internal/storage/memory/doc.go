// Package memory provides in-memory job and dedup stores for development and tests.
package memory
