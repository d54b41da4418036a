// Package memory provides an in-process downloader that only records what it
// receives. It backs dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/magnet-crawler/internal/crawler"
)

// Name is the default backend key.
const Name = "memory"

// Submission is one recorded Submit call.
type Submission struct {
	Item crawler.CandidateItem
	Spec crawler.DispatchSpec
}

// Downloader records submissions keyed by infohash.
type Downloader struct {
	name string

	mu          sync.Mutex
	submissions []Submission
	byHash      map[string]int
}

// New returns a recorder registered under name, or "memory" when empty.
func New(name string) *Downloader {
	if name == "" {
		name = Name
	}
	return &Downloader{name: name, byHash: make(map[string]int)}
}

// Name returns the backend key.
func (d *Downloader) Name() string {
	return d.name
}

// Submit records the item. Re-submitting a hash is accepted and not recorded twice.
func (d *Downloader) Submit(ctx context.Context, item crawler.CandidateItem, spec crawler.DispatchSpec) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byHash[item.Hash]; !ok {
		d.byHash[item.Hash] = len(d.submissions)
		d.submissions = append(d.submissions, Submission{Item: item, Spec: spec})
	}
	return item.Hash, nil
}

// Status reports "queued" for every recorded hash.
func (d *Downloader) Status(_ context.Context, clientID string) (crawler.ClientStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byHash[clientID]; !ok {
		return crawler.ClientStatus{}, fmt.Errorf("%w: %s", crawler.ErrNotFound, clientID)
	}
	return crawler.ClientStatus{ClientID: clientID, State: "queued"}, nil
}

// Submissions returns a copy of everything recorded so far.
func (d *Downloader) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Submission(nil), d.submissions...)
}
