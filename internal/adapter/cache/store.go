// Package cache keeps opened datasets addressable by id between requests.
package cache

import (
	"os"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go.ngs.io/gridview-api/internal/adapter/store"
	"go.ngs.io/gridview-api/internal/domain"
)

// Entry is one opened dataset together with the metadata captured when it
// was loaded.
type Entry struct {
	ID           string
	Dataset      store.Dataset
	Info         domain.DatasetInfo
	OriginalName string
	Size         int64
	LoadedAt     time.Time

	// Paths are removed once the entry is closed.
	Paths []string

	refs    int
	evicted bool
}

// Store is an LRU of opened datasets. An entry evicted or deleted while a
// request still holds it is closed when the last holder releases it.
type Store struct {
	mu      sync.Mutex
	entries *lru.Cache
	closing []*Entry
	log     logrus.FieldLogger
}

// New creates a Store holding at most maxEntries datasets. maxEntries <= 0
// means no limit.
func New(maxEntries int, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{
		entries: lru.New(maxEntries),
		log:     logger,
	}
	s.entries.OnEvicted = s.onEvicted
	return s
}

// onEvicted runs under s.mu.
func (s *Store) onEvicted(_ lru.Key, value interface{}) {
	e := value.(*Entry)
	e.evicted = true
	if e.refs == 0 {
		s.closing = append(s.closing, e)
	}
}

// Add stores e, assigning a new id when it has none, and returns the id.
func (s *Store) Add(e *Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.LoadedAt.IsZero() {
		e.LoadedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.entries.Add(e.ID, e)
	s.mu.Unlock()
	s.drain()

	s.log.WithFields(logrus.Fields{
		"fileId": e.ID,
		"name":   e.OriginalName,
		"format": e.Info.Format,
	}).Info("Dataset loaded")
	return e.ID
}

// Acquire returns the entry for id and a release func that must be called
// once the caller is done with the dataset.
func (s *Store) Acquire(id string) (*Entry, func(), error) {
	s.mu.Lock()
	v, ok := s.entries.Get(id)
	if !ok {
		s.mu.Unlock()
		return nil, nil, domain.ErrDatasetNotFound
	}
	e := v.(*Entry)
	e.refs++
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			e.refs--
			if e.refs == 0 && e.evicted {
				s.closing = append(s.closing, e)
			}
			s.mu.Unlock()
			s.drain()
		})
	}
	return e, release, nil
}

// Delete removes id. The dataset is closed once no request holds it.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.entries.Get(id); !ok {
		s.mu.Unlock()
		return domain.ErrDatasetNotFound
	}
	s.entries.Remove(id)
	s.mu.Unlock()
	s.drain()
	return nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// Close evicts every entry. Entries still held are closed on release.
func (s *Store) Close() {
	s.mu.Lock()
	s.entries.Clear()
	s.mu.Unlock()
	s.drain()
}

// drain closes entries queued by eviction outside the lock.
func (s *Store) drain() {
	s.mu.Lock()
	pending := s.closing
	s.closing = nil
	s.mu.Unlock()

	for _, e := range pending {
		s.closeEntry(e)
	}
}

func (s *Store) closeEntry(e *Entry) {
	log := s.log.WithField("fileId", e.ID)
	if e.Dataset != nil {
		if err := e.Dataset.Close(); err != nil {
			log.WithError(err).Warn("Failed to close dataset")
		}
	}
	for _, p := range e.Paths {
		if err := os.RemoveAll(p); err != nil {
			log.WithError(err).WithField("path", p).Warn("Failed to remove dataset files")
		}
	}
	log.Info("Dataset closed")
}
