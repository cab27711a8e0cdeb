package api

import (
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/ctrlvar/internal/inference"
	"github.com/samcharles93/ctrlvar/internal/pixel"
)

type sampleRecord struct {
	Response SampleResponse
	Request  inference.Request
	Pixels   *pixel.Batch
}

// SampleStore keeps the most recent samples so they can be fetched or
// refined later. The oldest record is evicted once Limit is reached.
type SampleStore struct {
	mu      sync.Mutex
	limit   int
	order   []string
	records map[string]*sampleRecord
}

func NewSampleStore(limit int) *SampleStore {
	if limit <= 0 {
		limit = 64
	}
	return &SampleStore{
		limit:   limit,
		records: make(map[string]*sampleRecord),
	}
}

func (s *SampleStore) Save(rec sampleRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Response.ID]; !ok {
		s.order = append(s.order, rec.Response.ID)
	}
	s.records[rec.Response.ID] = &rec
	for len(s.order) > s.limit {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *SampleStore) Get(id string) (sampleRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return sampleRecord{}, false
	}
	return *rec, true
}

func (s *SampleStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false
	}
	delete(s.records, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func newSampleID() string {
	return "smp_" + uuid.NewString()
}
