package thread

import (
	"sort"
	"sync"
	"time"

	"github.com/capmesh/capmesh/core"
)

// InMemoryStore is a volatile Store implementation keeping threads in
// process-local maps. It is safe for concurrent access and best suited for
// tests or ephemeral demo setups. Returned records are copies to prevent
// external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread
	messages map[string][]core.Message
	envData  map[string]map[string]EnvDatum // root thread id -> key -> entry
	roots    map[string]string              // resolved root cache per thread id
}

// NewInMemoryStore constructs an empty in-memory thread store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]core.Message),
		envData:  make(map[string]map[string]EnvDatum),
		roots:    make(map[string]string),
	}
}

// CreateThread creates a thread, validating that any parent already exists.
func (s *InMemoryStore) CreateThread(spec Spec) (string, error) {
	spec.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.ParentThreadID != "" {
		if _, ok := s.threads[spec.ParentThreadID]; !ok {
			return "", ErrParentNotFound
		}
	}

	now := time.Now().UTC()
	th := &Thread{
		ID:             core.NewID(),
		Owner:          spec.Owner,
		Name:           spec.Name,
		ParentThreadID: spec.ParentThreadID,
		ParentEntity:   spec.ParentEntity,
		Type:           spec.Type,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.threads[th.ID] = th

	return th.ID, nil
}

// GetThread returns a copy of the thread by id.
func (s *InMemoryStore) GetThread(id string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	th, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	cp := *th
	return &cp, nil
}

// ListThreads returns all threads owned by owner, newest first.
func (s *InMemoryStore) ListThreads(owner string) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Thread, 0)
	for _, th := range s.threads {
		if th.Owner == owner {
			cp := *th
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RenameThread updates the display name.
func (s *InMemoryStore) RenameThread(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[id]
	if !ok {
		return ErrThreadNotFound
	}
	th.Name = name
	th.UpdatedAt = time.Now().UTC()
	return nil
}

// AddMessage appends to the thread's log and bumps UpdatedAt.
func (s *InMemoryStore) AddMessage(threadID string, msg core.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	th, ok := s.threads[threadID]
	if !ok {
		return "", ErrThreadNotFound
	}
	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	s.messages[threadID] = append(s.messages[threadID], msg)
	th.UpdatedAt = time.Now().UTC()
	return msg.ID, nil
}

// Messages returns a copy of the thread's ordered log.
func (s *InMemoryStore) Messages(threadID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}
	msgs := s.messages[threadID]
	out := make([]core.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ResolveRootThread walks parent links, caching the result per thread id.
// Termination is guaranteed by the creation-time acyclicity invariant.
func (s *InMemoryStore) ResolveRootThread(threadID string) (string, error) {
	s.mu.RLock()
	if root, ok := s.roots[threadID]; ok {
		s.mu.RUnlock()
		return root, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	id := threadID
	for {
		th, ok := s.threads[id]
		if !ok {
			return "", ErrThreadNotFound
		}
		if th.ParentThreadID == "" {
			s.roots[threadID] = id
			return id, nil
		}
		id = th.ParentThreadID
	}
}

// Lineage returns the ancestor chain root first, ending with the thread itself.
func (s *InMemoryStore) Lineage(threadID string) ([]*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chain []*Thread
	id := threadID
	for id != "" {
		th, ok := s.threads[id]
		if !ok {
			return nil, ErrThreadNotFound
		}
		cp := *th
		chain = append([]*Thread{&cp}, chain...)
		id = th.ParentThreadID
	}
	return chain, nil
}

// StoreEnvData creates or replaces the (rootThreadID, key) entry.
func (s *InMemoryStore) StoreEnvData(rootThreadID, key, shortDescription, value, storedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope, ok := s.envData[rootThreadID]
	if !ok {
		scope = make(map[string]EnvDatum)
		s.envData[rootThreadID] = scope
	}
	scope[key] = EnvDatum{
		RootThreadID:     rootThreadID,
		Key:              key,
		ShortDescription: shortDescription,
		Value:            value,
		StoredBy:         storedBy,
		UpdatedAt:        time.Now().UTC(),
	}
	return nil
}

// GetEnvData returns the stored value for (rootThreadID, key).
func (s *InMemoryStore) GetEnvData(rootThreadID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.envData[rootThreadID][key]
	if !ok {
		return "", ErrEnvDataNotFound
	}
	return entry.Value, nil
}

// ListEnvData enumerates entries under a root thread, values omitted.
func (s *InMemoryStore) ListEnvData(rootThreadID string) ([]EnvDatum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope := s.envData[rootThreadID]
	out := make([]EnvDatum, 0, len(scope))
	for _, entry := range scope {
		entry.Value = ""
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// UpdateEnvData replaces an existing entry.
func (s *InMemoryStore) UpdateEnvData(rootThreadID, key, shortDescription, value, storedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envData[rootThreadID][key]; !ok {
		return ErrEnvDataNotFound
	}
	s.envData[rootThreadID][key] = EnvDatum{
		RootThreadID:     rootThreadID,
		Key:              key,
		ShortDescription: shortDescription,
		Value:            value,
		StoredBy:         storedBy,
		UpdatedAt:        time.Now().UTC(),
	}
	return nil
}

// DeleteEnvData removes an entry.
func (s *InMemoryStore) DeleteEnvData(rootThreadID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envData[rootThreadID][key]; !ok {
		return ErrEnvDataNotFound
	}
	delete(s.envData[rootThreadID], key)
	return nil
}
