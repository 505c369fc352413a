package usersync

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorelay/chatrelay/internal/stats"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
)

// Syncer mirrors newly registered usernames to a peer service. The call
// is a non-critical side effect: it runs off the caller's goroutine with
// bounded retries, and exhausting them only increments a counter.
type Syncer struct {
	url         string
	client      *http.Client
	log         *log.Logger
	stats       stats.StatsProvider
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
}

func NewSyncer(url string, logger *log.Logger, su stats.StatsProvider) *Syncer {
	su.RegisterMetric(stats.UserSyncFailures)

	return &Syncer{
		url:         url,
		client:      &http.Client{Timeout: 5 * time.Second},
		log:         logger,
		stats:       su,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
}

// Sync fires the sync in the background and returns immediately. A
// Syncer constructed with an empty URL is a no-op.
func (s *Syncer) Sync(username string) {
	if s.url == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sync(username)
	}()
}

func (s *Syncer) sync(username string) {
	body, err := json.Marshal(map[string]string{"username": username})
	if err != nil {
		s.log.Printf("usersync: marshal payload: %v", err)
		s.stats.Incr(stats.UserSyncFailures)
		return
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 300 {
				return
			}
			err = &statusError{code: resp.StatusCode}
		}

		s.log.Printf("usersync: attempt %d for %q: %v", attempt, username, err)
		if attempt < s.maxAttempts {
			time.Sleep(s.backoff)
		}
	}

	s.stats.Incr(stats.UserSyncFailures)
}

// Wait blocks until all in-flight syncs complete.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}
