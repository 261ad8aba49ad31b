package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mainthread-dev/mainthread/internal/apperr"
	"github.com/mainthread-dev/mainthread/internal/id"
)

// memoryStore is an in-memory Store used by tests that don't need real
// persistence. It mirrors sqliteStore's semantics, including the
// compress/decompress round trip, so bugs in payload framing surface in
// fast tests too.
type memoryStore struct {
	mu       sync.Mutex
	threads  map[string]*Thread
	messages map[string][]*Message
	events   map[string][]*Event
	nextSeq  map[string]int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory() Store {
	return &memoryStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
		events:   make(map[string][]*Event),
		nextSeq:  make(map[string]int64),
	}
}

func (s *memoryStore) Close() error { return nil }

func cloneThread(t *Thread) *Thread {
	cp := *t
	if t.ArchivedAt != nil {
		at := *t.ArchivedAt
		cp.ArchivedAt = &at
	}
	return &cp
}

func (s *memoryStore) CreateThread(ctx context.Context, p CreateThreadParams) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	threadID := p.ID
	if threadID == "" {
		threadID = id.Generate()
	}
	t := &Thread{
		ID:                    threadID,
		Title:                 p.Title,
		ParentID:              p.ParentID,
		WorkDir:               p.WorkDir,
		Model:                 p.Model,
		PermissionMode:        p.PermissionMode,
		ExtendedThinking:      p.ExtendedThinking,
		AutoReact:             p.AutoReact,
		Git:                   p.Git,
		Ephemeral:             p.Ephemeral,
		AllowNestedSubthreads: p.AllowNestedSubthreads,
		MaxDepth:              p.MaxDepth,
		Status:                StatusActive,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	s.threads[t.ID] = t
	return cloneThread(t), nil
}

func (s *memoryStore) getLocked(id string) (*Thread, error) {
	t, ok := s.threads[id]
	if !ok {
		return nil, apperr.NotFound("thread %q not found", id)
	}
	return t, nil
}

func (s *memoryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneThread(t), nil
}

func (s *memoryStore) ListThreads(ctx context.Context, includeArchived bool) ([]*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Thread
	for _, t := range s.threads {
		if !includeArchived && t.ArchivedAt != nil {
			continue
		}
		out = append(out, cloneThread(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) UpdateThreadStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) UpdateThreadSession(ctx context.Context, id, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.SessionToken = token
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) UpdateThreadConfig(ctx context.Context, id string, patch ConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	if patch.Model != nil {
		t.Model = *patch.Model
	}
	if patch.PermissionMode != nil {
		t.PermissionMode = *patch.PermissionMode
	}
	if patch.ExtendedThinking != nil {
		t.ExtendedThinking = *patch.ExtendedThinking
	}
	if patch.AutoReact != nil {
		t.AutoReact = *patch.AutoReact
	}
	if patch.WorkDir != nil {
		t.WorkDir = *patch.WorkDir
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) UpdateThreadTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.Title = title
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) UpdateThreadUsage(ctx context.Context, id string, dInput, dOutput int64, dCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.UsageInputTokens += dInput
	t.UsageOutputTokens += dOutput
	t.UsageCostUSD += dCost
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) UpdateThreadGit(ctx context.Context, id string, g GitMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.Git = g
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) ArchiveThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.ArchivedAt = &now
	t.UpdatedAt = now
	return nil
}

func (s *memoryStore) UnarchiveThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.getLocked(id)
	if err != nil {
		return err
	}
	t.ArchivedAt = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memoryStore) ClearThreadMessages(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}

func (s *memoryStore) AddMessage(ctx context.Context, p AddMessageParams) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(p.ThreadID); err != nil {
		return nil, err
	}
	content, contentComp := compress([]byte(p.Content))
	blocks, blocksComp := compress(p.Blocks)
	decContent, _ := decompress(content, contentComp)
	decBlocks, _ := decompress(blocks, blocksComp)
	m := &Message{
		ID:        id.Generate(),
		ThreadID:  p.ThreadID,
		Role:      p.Role,
		Content:   string(decContent),
		Blocks:    decBlocks,
		CreatedAt: time.Now().UTC(),
	}
	s.messages[p.ThreadID] = append(s.messages[p.ThreadID], m)
	return m, nil
}

func (s *memoryStore) UpdateMessage(ctx context.Context, id, content string, blocks []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == id {
				m.Content = content
				m.Blocks = blocks
				return nil
			}
		}
	}
	return apperr.NotFound("message %q not found", id)
}

func (s *memoryStore) GetMessagesPaginated(ctx context.Context, threadID string, limit, offsetFromEnd int) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[threadID]
	total := len(all)
	if limit <= 0 || limit > total {
		limit = total
	}
	start := total - offsetFromEnd - limit
	if start < 0 {
		limit += start
		start = 0
	}
	if limit <= 0 {
		return nil, nil
	}
	out := make([]*Message, limit)
	copy(out, all[start:start+limit])
	return out, nil
}

func (s *memoryStore) AppendEvent(ctx context.Context, threadID, typ string, payload []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, comp := compress(payload)
	dec, _ := decompress(data, comp)
	s.nextSeq[threadID]++
	seq := s.nextSeq[threadID]
	s.events[threadID] = append(s.events[threadID], &Event{
		Seq:       seq,
		ThreadID:  threadID,
		Type:      typ,
		Payload:   dec,
		CreatedAt: time.Now().UTC(),
	})
	return seq, nil
}

func (s *memoryStore) EventsSince(ctx context.Context, threadID string, lastSeq int64) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events[threadID] {
		if e.Seq > lastSeq {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memoryStore) LatestSeq(ctx context.Context, threadID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq[threadID], nil
}

func (s *memoryStore) ClearThreadEvents(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, threadID)
	return nil
}

func (s *memoryStore) TrimEventsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	var trimmed int64
	for tid, events := range s.events {
		var kept []*Event
		for _, e := range events {
			if e.CreatedAt.Before(cutoff) {
				trimmed++
				continue
			}
			kept = append(kept, e)
		}
		s.events[tid] = kept
	}
	return trimmed, nil
}

func (s *memoryStore) ThreadDepth(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	current := id
	for i := 0; i < 64; i++ {
		t, ok := s.threads[current]
		if !ok {
			return 0, apperr.NotFound("thread %q not found", current)
		}
		if t.ParentID == "" {
			return depth, nil
		}
		depth++
		current = t.ParentID
	}
	return 0, apperr.New(apperr.KindInfrastructure, "thread depth: possible cycle")
}

func (s *memoryStore) ListRunningThreads(ctx context.Context) ([]*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Thread
	for _, t := range s.threads {
		if t.Status == StatusRunning && t.ArchivedAt == nil {
			out = append(out, cloneThread(t))
		}
	}
	return out, nil
}

func (s *memoryStore) ResetStalePending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.threads {
		if t.Status == StatusPending {
			t.Status = StatusActive
			t.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (s *memoryStore) ResetAllThreads(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string][]*Message)
	s.events = make(map[string][]*Event)
	s.nextSeq = make(map[string]int64)
	now := time.Now().UTC()
	for _, t := range s.threads {
		if t.ArchivedAt == nil {
			t.Status = StatusActive
			t.UpdatedAt = now
		}
	}
	return nil
}
