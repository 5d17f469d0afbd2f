package core_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/google/uuid"
)

// =============================================================================
// Row source
// =============================================================================

type memRows struct {
	columns []string
	rows    []core.Row
}

func (m *memRows) Rows() []core.Row  { return m.rows }
func (m *memRows) Columns() []string { return m.columns }

// newRows builds a dataset with Name, Event and Email columns.
func newRows(n int) *memRows {
	m := &memRows{columns: []string{"Name", "Event", "Email"}}
	for i := 0; i < n; i++ {
		m.rows = append(m.rows, core.Row{
			Index: i,
			Fields: []core.Field{
				{Name: "Name", Value: fmt.Sprintf("Person %d", i)},
				{Name: "Event", Value: "GopherCon"},
				{Name: "Email", Value: fmt.Sprintf("person%d@example.com", i)},
			},
		})
	}
	return m
}

func baseConfig(mode core.Mode) core.JobConfig {
	return core.JobConfig{
		Mode:            mode,
		Mapping:         core.Mapping{"name": "Name", "event": "Event"},
		RecipientColumn: "Email",
		FilenamePattern: "{{name}}_certificate",
		Message: core.MessageTemplate{
			Subject:   "Your {{event}} certificate",
			PlainBody: "Hi {{name}}",
		},
	}
}

// =============================================================================
// Renderer
// =============================================================================

type fakeRenderer struct {
	mu       sync.Mutex
	calls    []int
	fail     map[int]bool
	existing map[string]bool
	before   func(row int)
}

func newRenderer() *fakeRenderer {
	return &fakeRenderer{fail: map[int]bool{}, existing: map[string]bool{}}
}

func (f *fakeRenderer) Render(ctx context.Context, req core.RenderRequest) (string, error) {
	if f.before != nil {
		f.before(req.Row.Index)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Row.Index)
	if f.fail[req.Row.Index] {
		return "", &core.RenderError{Reason: "template exploded"}
	}
	path := "/out/" + req.FileName + ".pdf"
	f.existing[path] = true
	return path, nil
}

func (f *fakeRenderer) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[path]
}

func (f *fakeRenderer) Locate(fileName string) (string, bool) {
	path := "/out/" + fileName + ".pdf"
	return path, f.Exists(path)
}

func (f *fakeRenderer) rendered() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

// =============================================================================
// Delivery
// =============================================================================

type fakeMailer struct {
	mu     sync.Mutex
	sent   []core.Message
	calls  int
	send   func(msg core.Message, call int) error
	closed bool
}

func (m *fakeMailer) Open(ctx context.Context, creds core.Credentials) (core.DeliveryChannel, error) {
	return m, nil
}

func (m *fakeMailer) Send(ctx context.Context, msg core.Message) error {
	m.mu.Lock()
	m.calls++
	call := m.calls
	fn := m.send
	m.mu.Unlock()

	var err error
	if fn != nil {
		err = fn(msg, call)
	}
	if err == nil {
		m.mu.Lock()
		m.sent = append(m.sent, msg)
		m.mu.Unlock()
	}
	return err
}

func (m *fakeMailer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMailer) delivered() []core.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.Message(nil), m.sent...)
}

func (m *fakeMailer) attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type staticCreds struct {
	creds core.Credentials
	err   error
}

func (s staticCreds) Credentials(ctx context.Context) (core.Credentials, error) {
	return s.creds, s.err
}

var testCreds = staticCreds{creds: core.Credentials{Address: "sender@example.com", Secret: "app-password"}}

// =============================================================================
// Checkpoint store
// =============================================================================

type memStore struct {
	mu    sync.Mutex
	data  map[string]*core.Checkpoint
	saves int
	err   error

	// gate, when set, blocks the first Save until closed.
	gate    chan struct{}
	entered chan struct{}
}

func newMemStore() *memStore {
	return &memStore{data: map[string]*core.Checkpoint{}}
}

func (s *memStore) Save(ctx context.Context, cp *core.Checkpoint, partial bool) (string, error) {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return "", s.err
	}

	id := cp.ID
	if id == "" {
		id = uuid.New().String()
	} else if _, ok := s.data[id]; !ok {
		return "", &core.NotFoundError{Kind: "checkpoint", ID: id}
	}

	stored := *cp
	stored.ID = id
	stored.UpdatedAt = time.Now()
	if prev, ok := s.data[id]; ok && partial {
		stored.Outcomes = prev.Outcomes
		stored.Counts = prev.Counts
		stored.Status = prev.Status
	} else {
		stored.Outcomes = append([]core.RowOutcome(nil), cp.Outcomes...)
	}
	s.data[id] = &stored
	return id, nil
}

func (s *memStore) Load(ctx context.Context, id string) (*core.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.data[id]
	if !ok {
		return nil, &core.NotFoundError{Kind: "checkpoint", ID: id}
	}
	out := *cp
	out.Outcomes = append([]core.RowOutcome(nil), cp.Outcomes...)
	return &out, nil
}

func (s *memStore) List(ctx context.Context) ([]core.CheckpointSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.CheckpointSummary
	for _, cp := range s.data {
		out = append(out, cp.Summary())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// block makes the next Save wait. entered is closed once Save is waiting.
func (s *memStore) block() (entered <-chan struct{}, release func()) {
	gate := make(chan struct{})
	ent := make(chan struct{})
	s.mu.Lock()
	s.gate, s.entered = gate, ent
	s.mu.Unlock()
	return ent, func() { close(gate) }
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// =============================================================================
// Helpers
// =============================================================================

func waitDone(t *testing.T, job *core.Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", job.ID)
	}
}

var errTransient = errors.New("connection reset by peer")
