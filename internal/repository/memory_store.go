package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"study-init/backend/pkg/models"
)

// MemoryStore is an in-process Repository used for local development and
// tests. It copies values on the way in and out so callers never share
// state with the store.
type MemoryStore struct {
	mu       sync.Mutex
	studies  map[string]*models.StudyInitState
	members  map[string]map[string]bool
	mappings map[string]map[string]*models.FieldMapping // study -> id -> mapping
	schemas  map[string][][]*models.DatasetSchema       // study -> versions
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		studies:  make(map[string]*models.StudyInitState),
		members:  make(map[string]map[string]bool),
		mappings: make(map[string]map[string]*models.FieldMapping),
		schemas:  make(map[string][][]*models.DatasetSchema),
	}
}

// CreateStudy registers a study in not_started state.
func (s *MemoryStore) CreateStudy(_ context.Context, studyID, _ string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[studyID]; !ok {
		s.studies[studyID] = &models.StudyInitState{
			StudyID:   studyID,
			Status:    models.InitStatusNotStarted,
			UpdatedAt: time.Now().UTC(),
		}
	}
	if s.members[studyID] == nil {
		s.members[studyID] = make(map[string]bool)
	}
	for _, m := range members {
		s.members[studyID][m] = true
	}
	return nil
}

// PutInitState overwrites a study state unconditionally. Test helper.
func (s *MemoryStore) PutInitState(state *models.StudyInitState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.studies[state.StudyID] = state.Clone()
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) GetInitState(_ context.Context, studyID string) (*models.StudyInitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.studies[studyID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (s *MemoryStore) CompareAndSwapInitState(_ context.Context, state *models.StudyInitState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.studies[state.StudyID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := state.Clone()
	next.Version = expectedVersion + 1
	s.studies[state.StudyID] = next
	state.Version = next.Version
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, statuses []models.InitStatus, before time.Time) ([]*models.StudyInitState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[models.InitStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.StudyInitState
	for _, st := range s.studies {
		if want[st.Status] && st.UpdatedAt.Before(before) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) CanAccessStudy(_ context.Context, userID, studyID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[studyID][userID], nil
}

func (s *MemoryStore) ListMappings(_ context.Context, studyID string) ([]*models.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FieldMapping
	for _, m := range s.mappings[studyID] {
		out = append(out, cloneMapping(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WidgetID != out[j].WidgetID {
			return out[i].WidgetID < out[j].WidgetID
		}
		return out[i].TargetField < out[j].TargetField
	})
	return out, nil
}

func (s *MemoryStore) GetMapping(_ context.Context, studyID, mappingID string) (*models.FieldMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[studyID][mappingID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMapping(m), nil
}

func (s *MemoryStore) UpsertAutoMappings(_ context.Context, mappings []*models.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mappings {
		rows := s.mappings[m.StudyID]
		if rows == nil {
			rows = make(map[string]*models.FieldMapping)
			s.mappings[m.StudyID] = rows
		}
		var existing *models.FieldMapping
		for _, r := range rows {
			if r.WidgetID == m.WidgetID && r.TargetField == m.TargetField {
				existing = r
				break
			}
		}
		if existing != nil {
			if existing.MappingType == models.MappingTypeManual {
				continue
			}
			next := cloneMapping(m)
			next.ID = existing.ID
			rows[existing.ID] = next
			continue
		}
		rows[m.ID] = cloneMapping(m)
	}
	return nil
}

func (s *MemoryStore) UpdateMapping(_ context.Context, m *models.FieldMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappings[m.StudyID][m.ID]; !ok {
		return ErrNotFound
	}
	s.mappings[m.StudyID][m.ID] = cloneMapping(m)
	return nil
}

func (s *MemoryStore) SaveSchemas(_ context.Context, studyID string, schemas []*models.DatasetSchema) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.studies[studyID]; !ok {
		return 0, ErrNotFound
	}
	version := len(s.schemas[studyID]) + 1
	batch := make([]*models.DatasetSchema, 0, len(schemas))
	for _, ds := range schemas {
		ds.StudyID = studyID
		ds.Version = version
		c := *ds
		c.Columns = append([]models.Column(nil), ds.Columns...)
		batch = append(batch, &c)
	}
	s.schemas[studyID] = append(s.schemas[studyID], batch)
	return version, nil
}

func (s *MemoryStore) LatestSchemas(_ context.Context, studyID string) ([]*models.DatasetSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.schemas[studyID]
	if len(versions) == 0 {
		return nil, nil
	}
	latest := versions[len(versions)-1]
	out := make([]*models.DatasetSchema, 0, len(latest))
	for _, ds := range latest {
		c := *ds
		c.Columns = append([]models.Column(nil), ds.Columns...)
		out = append(out, &c)
	}
	return out, nil
}

func cloneMapping(m *models.FieldMapping) *models.FieldMapping {
	c := *m
	if m.SourceField != nil {
		v := *m.SourceField
		c.SourceField = &v
	}
	if m.UpdatedBy != nil {
		v := *m.UpdatedBy
		c.UpdatedBy = &v
	}
	return &c
}
