package applier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/op"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/oplog"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/view"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

var (
	keyA = id.MustDecode(strings.Repeat("0a", 32))
	keyB = id.MustDecode(strings.Repeat("0b", 32))
	keyC = id.MustDecode(strings.Repeat("0c", 32))
	keyW = id.MustDecode(strings.Repeat("ee", 32))
)

type mockHost struct {
	mock.Mock
}

func (m *mockHost) AddWriter(ctx context.Context, key id.Key, opts oplog.WriterOptions) error {
	return m.Called(key, opts).Error(0)
}

func (m *mockHost) RemoveWriter(ctx context.Context, key id.Key) error {
	return m.Called(key).Error(0)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) RecordOperation(kind, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[kind+"/"+outcome]++
}

func newStore(t *testing.T) *view.Store {
	t.Helper()
	s, err := view.Open(t.TempDir(), view.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func nodes(ops ...op.Operation) []oplog.Node {
	out := make([]oplog.Node, len(ops))
	for i, o := range ops {
		out[i] = oplog.Node{Seq: uint64(i + 1), From: keyW, Value: op.Marshal(o)}
	}
	return out
}

func find(t *testing.T, s *view.Store, name string) []id.Key {
	t.Helper()
	entries, err := view.Collect(s.FindByService(name, 10))
	require.NoError(t, err)
	var keys []id.Key
	for _, e := range entries {
		keys = append(keys, e.PublicKey)
	}
	return keys
}

func TestApplyScenarios(t *testing.T) {
	tests := []struct {
		name    string
		ops     []op.Operation
		service string
		want    []id.Key
	}{
		{
			name: "find by service",
			ops: []op.Operation{
				op.AddService(keyA, "svc1"),
				op.AddService(keyB, "svc1"),
				op.AddService(keyC, "svc2"),
			},
			service: "svc1",
			want:    []id.Key{keyA, keyB},
		},
		{
			name: "delete removes entry",
			ops: []op.Operation{
				op.AddService(keyA, "svc1"),
				op.AddService(keyB, "svc1"),
				op.DeleteService(keyA),
			},
			service: "svc1",
			want:    []id.Key{keyB},
		},
		{
			name: "duplicate add is a noop",
			ops: []op.Operation{
				op.AddService(keyA, "svc1"),
				op.AddService(keyA, "svc1"),
				op.AddService(keyA, "svc2"),
			},
			service: "svc1",
			want:    []id.Key{keyA},
		},
		{
			name: "delete of absent key is a noop",
			ops: []op.Operation{
				op.AddService(keyA, "svc1"),
				op.DeleteService(keyB),
			},
			service: "svc1",
			want:    []id.Key{keyA},
		},
		{
			name: "first add in log order wins",
			ops: []op.Operation{
				op.AddService(keyA, "svc2"),
				op.AddService(keyA, "svc1"),
			},
			service: "svc1",
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			a := New(s, nil, nil)

			require.NoError(t, a.Apply(context.Background(), nodes(tt.ops...), &mockHost{}))

			if diff := cmp.Diff(tt.want, find(t, s, tt.service)); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	ops := []op.Operation{
		op.AddService(keyA, "svc1"),
		op.AddService(keyB, "svc1"),
		op.DeleteService(keyA),
		op.AddService(keyC, "svc1"),
	}

	once := newStore(t)
	require.NoError(t, New(once, nil, nil).Apply(context.Background(), nodes(ops...), &mockHost{}))

	twice := newStore(t)
	a := New(twice, nil, nil)
	require.NoError(t, a.Apply(context.Background(), nodes(ops...), &mockHost{}))
	require.NoError(t, a.Apply(context.Background(), nodes(ops...), &mockHost{}))

	assert.Equal(t, find(t, once, "svc1"), find(t, twice, "svc1"))
}

func TestInvalidOperationsAreSkipped(t *testing.T) {
	s := newStore(t)
	rec := &countingRecorder{}
	a := New(s, nil, rec)

	empty := ""
	batch := nodes(
		op.Operation{Kind: op.KindAddService, ServiceName: &empty},
		op.Operation{Kind: op.KindAddService, ServiceKey: &keyB},
		op.AddService(keyA, ""),
		op.Operation{Kind: op.KindDeleteService},
		op.Operation{Kind: op.KindAddWriter},
		op.Operation{Kind: 99},
		op.AddService(keyC, "svc"),
	)
	batch = append(batch, oplog.Node{Seq: 8, Value: []byte{0xff}})

	host := &mockHost{}
	require.NoError(t, a.Apply(context.Background(), batch, host))

	assert.Equal(t, []id.Key{keyC}, find(t, s, "svc"))
	host.AssertNotCalled(t, "AddWriter", mock.Anything, mock.Anything)

	assert.Equal(t, 3, rec.counts["add-service/skipped"])
	assert.Equal(t, 1, rec.counts["delete-service/skipped"])
	assert.Equal(t, 1, rec.counts["add-writer/skipped"])
	assert.Equal(t, 2, rec.counts["unknown/skipped"])
	assert.Equal(t, 1, rec.counts["add-service/applied"])
}

func TestWriterMembershipGoesToHost(t *testing.T) {
	s := newStore(t)
	host := &mockHost{}
	host.On("AddWriter", keyW, oplog.WriterOptions{Indexer: true}).Return(nil).Once()
	host.On("RemoveWriter", keyW).Return(nil).Once()

	ops := nodes(op.AddWriter(keyW), op.RemoveWriter(keyW))
	require.NoError(t, New(s, nil, nil).Apply(context.Background(), ops, host))

	host.AssertExpectations(t)
	n, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHostFailureAbortsBatch(t *testing.T) {
	s := newStore(t)
	hostErr := errors.New("log unavailable")
	host := &mockHost{}
	host.On("AddWriter", keyW, mock.Anything).Return(hostErr)

	flushed := 0
	s.Watch(func(view.Change) { flushed++ })

	ops := nodes(op.AddService(keyA, "svc"), op.AddWriter(keyW), op.AddService(keyB, "svc"))
	err := New(s, nil, nil).Apply(context.Background(), ops, host)
	assert.ErrorIs(t, err, hostErr)

	assert.Empty(t, find(t, s, "svc"), "aborted batch must not be flushed")
	assert.Zero(t, flushed)
}

func TestApplyOnClosedStore(t *testing.T) {
	s, err := view.Open(t.TempDir(), view.Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	err = New(s, nil, nil).Apply(context.Background(), nodes(op.AddService(keyA, "svc")), &mockHost{})
	assert.ErrorIs(t, err, view.ErrClosed)
}
