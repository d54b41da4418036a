// Package crawler holds the domain model shared by the magnet crawl engine:
// jobs and their run state, crawl tasks, fetched pages, candidate items,
// dedup records, network profiles, download requests, and the error
// taxonomy every component reports through.
package crawler
