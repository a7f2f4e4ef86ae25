package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/riverfork/syncd/internal/coordination"
	"github.com/riverfork/syncd/internal/docstore"
)

type fakeCoord struct {
	anchors         []string
	scanErr         error
	staleAnchors    map[string]bool
	staleErr        error
	writtenDocs     map[string][][]byte
	writeErr        error
	finishResults   map[string]coordination.FinishCoolingResult
	finishErr       error
	finishCallCount int
	endSessions     []endSessionCall
	endSessionErr   error
	initDatabaseCalls int
	initDatabaseErr   error
}

type endSessionCall struct {
	anchor  string
	initial coordination.State
	success bool
}

func (f *fakeCoord) Now(ctx context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeCoord) ScanAnchorIDs(ctx context.Context, channel string) ([]string, error) {
	return f.anchors, f.scanErr
}

func (f *fakeCoord) StartCoolingIfStale(ctx context.Context, channel, anchor string, now time.Time, ttl time.Duration) (bool, error) {
	if f.staleErr != nil {
		return false, f.staleErr
	}
	return f.staleAnchors[anchor], nil
}

func (f *fakeCoord) WriteInstances(ctx context.Context, channel, anchor string, docs [][]byte) (int64, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.writtenDocs == nil {
		f.writtenDocs = make(map[string][][]byte)
	}
	f.writtenDocs[anchor] = docs
	return int64(len(docs)), nil
}

func (f *fakeCoord) FinishCooling(ctx context.Context, channel, anchor string) (coordination.FinishCoolingResult, error) {
	f.finishCallCount++
	if f.finishErr != nil {
		return 0, f.finishErr
	}
	return f.finishResults[anchor], nil
}

func (f *fakeCoord) EndSession(ctx context.Context, channel, anchor string, initial coordination.State, success bool) error {
	if f.endSessionErr != nil {
		return f.endSessionErr
	}
	f.endSessions = append(f.endSessions, endSessionCall{anchor: anchor, initial: initial, success: success})
	return nil
}

func (f *fakeCoord) InitDatabase(ctx context.Context, channel string) error {
	f.initDatabaseCalls++
	return f.initDatabaseErr
}

type fakeDocs struct {
	byAnchor  map[string][]docstore.Document
	deleted   map[string]bool
	deleteErr error
}

func (f *fakeDocs) FindSince(ctx context.Context, channel, anchor string, since float64) ([]docstore.Document, error) {
	return f.byAnchor[anchor], nil
}

func (f *fakeDocs) DeleteAll(ctx context.Context, channel, anchor string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if f.deleted == nil {
		f.deleted = make(map[string]bool)
	}
	f.deleted[anchor] = true
	return nil
}

func TestSweepOnce_ExpiresOnlyStaleAnchors(t *testing.T) {
	coord := &fakeCoord{
		anchors:      []string{"a1", "a2"},
		staleAnchors: map[string]bool{"a1": true, "a2": false},
		finishResults: map[string]coordination.FinishCoolingResult{
			"a1": coordination.FinishCoolingDone,
		},
	}
	docs := &fakeDocs{byAnchor: map[string][]docstore.Document{
		"a1": {{"id": "1", "_instance_type": "Message"}},
	}}

	s := New(coord, docs, "Room", time.Minute, time.Second, zerolog.Nop())
	s.SweepOnce(context.Background())

	if coord.finishCallCount != 1 {
		t.Fatalf("expected exactly one anchor to finish cooling, got %d calls", coord.finishCallCount)
	}
	if !docs.deleted["a1"] {
		t.Error("expected a1's documents deleted after a clean cooling finish")
	}
	if docs.deleted["a2"] {
		t.Error("a2 was not stale and must not have been touched")
	}
}

func TestRunCoolingCycle_DoneDeletesDocuments(t *testing.T) {
	coord := &fakeCoord{
		finishResults: map[string]coordination.FinishCoolingResult{"a1": coordination.FinishCoolingDone},
	}
	docs := &fakeDocs{byAnchor: map[string][]docstore.Document{
		"a1": {{"id": "1", "_instance_type": "Message"}},
	}}

	s := New(coord, docs, "Room", time.Minute, time.Second, zerolog.Nop())
	if err := s.runCoolingCycle(context.Background(), "a1"); err != nil {
		t.Fatalf("runCoolingCycle: %v", err)
	}
	if len(coord.writtenDocs["a1"]) != 1 {
		t.Errorf("expected the document to be migrated into the coordination list before finishing, got %v", coord.writtenDocs["a1"])
	}
	if !docs.deleted["a1"] {
		t.Error("expected documents deleted on a Done finish")
	}
}

func TestSweeper_InitDatabaseDelegatesToCoord(t *testing.T) {
	coord := &fakeCoord{}
	docs := &fakeDocs{}
	s := New(coord, docs, "Room", time.Minute, time.Second, zerolog.Nop())

	if err := s.InitDatabase(context.Background()); err != nil {
		t.Fatalf("InitDatabase: %v", err)
	}
	if coord.initDatabaseCalls != 1 {
		t.Fatalf("expected exactly one InitDatabase call, got %d", coord.initDatabaseCalls)
	}
}

func TestRunCoolingCycle_ReheatPreservesDocuments(t *testing.T) {
	coord := &fakeCoord{
		finishResults: map[string]coordination.FinishCoolingResult{"a1": coordination.FinishCoolingReheat},
	}
	docs := &fakeDocs{byAnchor: map[string][]docstore.Document{
		"a1": {{"id": "1", "_instance_type": "Message"}},
	}}

	s := New(coord, docs, "Room", time.Minute, time.Second, zerolog.Nop())
	if err := s.runCoolingCycle(context.Background(), "a1"); err != nil {
		t.Fatalf("runCoolingCycle: %v", err)
	}
	if docs.deleted["a1"] {
		t.Error("expected documents NOT deleted on a reheat finish, since the anchor may need them again")
	}
	if len(coord.endSessions) != 1 {
		t.Fatalf("expected one EndSession call completing the reheat, got %d", len(coord.endSessions))
	}
	got := coord.endSessions[0]
	if got.anchor != "a1" || got.initial != coordination.StateCold || !got.success {
		t.Errorf("unexpected EndSession call: %+v", got)
	}
}

func TestSweepOnce_ContinuesAfterOneAnchorErrors(t *testing.T) {
	coord := &fakeCoord{
		anchors:      []string{"bad", "good"},
		staleAnchors: map[string]bool{"bad": true, "good": true},
		finishResults: map[string]coordination.FinishCoolingResult{
			"good": coordination.FinishCoolingDone,
		},
		finishErr: nil,
	}
	// A missing finishResults entry reads as FinishCoolingDone rather
	// than an error, and finishErr would fail every anchor; so a wrapper
	// makes WriteInstances fail for "bad" only.
	coord2 := &erroringOnAnchorCoord{fakeCoord: coord, errorAnchor: "bad"}

	docs := &fakeDocs{byAnchor: map[string][]docstore.Document{
		"bad":  {{"id": "1", "_instance_type": "Message"}},
		"good": {{"id": "2", "_instance_type": "Message"}},
	}}

	s := New(coord2, docs, "Room", time.Minute, time.Second, zerolog.Nop())
	s.SweepOnce(context.Background())

	if !docs.deleted["good"] {
		t.Error("expected the healthy anchor to still be processed despite the other one erroring")
	}
}

type erroringOnAnchorCoord struct {
	*fakeCoord
	errorAnchor string
}

func (e *erroringOnAnchorCoord) WriteInstances(ctx context.Context, channel, anchor string, docs [][]byte) (int64, error) {
	if anchor == e.errorAnchor {
		return 0, errTest
	}
	return e.fakeCoord.WriteInstances(ctx, channel, anchor, docs)
}

var errTest = &testError{"write failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
