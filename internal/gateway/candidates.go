package gateway

import (
	"errors"
	"sync"
)

var ErrNoCandidates = errors.New("no gateway candidates")

// CandidateList is an ordered set of endpoint URLs for one gateway
// domain. The most recently successful candidate is promoted to the
// front so the next connection attempt tries it first.
type CandidateList struct {
	mu   sync.Mutex
	urls []string
}

func NewCandidateList(urls []string) (*CandidateList, error) {
	if len(urls) == 0 {
		return nil, ErrNoCandidates
	}
	cp := make([]string, len(urls))
	copy(cp, urls)
	return &CandidateList{urls: cp}, nil
}

// Pick returns the candidate for the given attempt, cycling round-robin.
func (c *CandidateList) Pick(attempt int) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urls[attempt%len(c.urls)]
}

// MarkGood promotes the candidate that produced a ready connection.
// Unknown URLs are ignored.
func (c *CandidateList) MarkGood(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range c.urls {
		if u == url {
			copy(c.urls[1:i+1], c.urls[:i])
			c.urls[0] = url
			return
		}
	}
}

func (c *CandidateList) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.urls)
}

func (c *CandidateList) Snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]string, len(c.urls))
	copy(cp, c.urls)
	return cp
}
