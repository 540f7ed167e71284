package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/geoyee/tripcache/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tiles(n int) []model.Tile {
	out := make([]model.Tile, n)
	for i := range out {
		out[i] = model.Tile{X: i, Y: i * 2, Z: 14}
	}
	return out
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Unix(1700000000, 0)
	s.now = func() time.Time { return fixed }

	want := model.DownloadState{
		TripID:             42,
		TripServerID:       "srv-42",
		TripName:           "Dolomites",
		RemainingTiles:     tiles(3),
		CompletedCount:     7,
		TotalCount:         10,
		DownloadedBytes:    12345,
		Status:             model.StatusPaused,
		InterruptionReason: model.StopPausedNetworkLost.String(),
	}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Get(ctx, 42)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TripServerID != want.TripServerID || got.TripName != want.TripName ||
		got.CompletedCount != 7 || got.TotalCount != 10 || got.DownloadedBytes != 12345 ||
		got.Status != model.StatusPaused || got.InterruptionReason != "network_lost" {
		t.Errorf("Get = %+v", got)
	}
	if len(got.RemainingTiles) != 3 || got.RemainingTiles[2] != want.RemainingTiles[2] {
		t.Errorf("RemainingTiles = %v", got.RemainingTiles)
	}
	if !got.UpdatedAt.Equal(fixed) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, fixed)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	state := model.DownloadState{TripID: 1, RemainingTiles: tiles(5), Status: model.StatusPaused}
	if err := s.Save(ctx, state); err != nil {
		t.Fatal(err)
	}
	state.RemainingTiles = tiles(2)
	state.Status = model.StatusLimitReached
	if err := s.Save(ctx, state); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.RemainingTiles) != 2 || got.Status != model.StatusLimitReached {
		t.Errorf("Get = %+v", got)
	}
}

func TestSaveRejectsUnknownStatus(t *testing.T) {
	s := openTestStore(t)
	if err := s.Save(context.Background(), model.DownloadState{TripID: 1, Status: "Bogus"}); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestGetMissingAndDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.Get(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, 99); err != nil {
		t.Errorf("Delete missing: %v", err)
	}

	if err := s.Save(ctx, model.DownloadState{TripID: 5, Status: model.StatusInProgress}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("after Delete err = %v", err)
	}
}

func TestListPausedOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	saves := []struct {
		id     int64
		status model.DownloadStatus
		at     time.Duration
	}{
		{1, model.StatusPaused, 0},
		{2, model.StatusInProgress, time.Second},
		{3, model.StatusLimitReached, 2 * time.Second},
		{4, model.StatusCancelled, 3 * time.Second},
		{5, model.StatusPaused, 4 * time.Second},
	}
	for _, sv := range saves {
		at := base.Add(sv.at)
		s.now = func() time.Time { return at }
		if err := s.Save(ctx, model.DownloadState{TripID: sv.id, Status: sv.status}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListPaused(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, st := range got {
		ids = append(ids, st.TripID)
	}
	want := []int64{5, 3, 1}
	if len(ids) != len(want) {
		t.Fatalf("ListPaused ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ListPaused ids = %v, want %v", ids, want)
		}
	}
}

func TestStopRequests(t *testing.T) {
	s := openTestStore(t)
	if s.IsStopRequested(1) {
		t.Fatal("unexpected stop request")
	}
	if _, ok := s.TryGetStopReason(1); ok {
		t.Fatal("unexpected stop reason")
	}

	s.RequestStop(1, model.StopPausedUserRequest)
	if !s.IsStopRequested(1) || s.IsStopRequested(2) {
		t.Error("stop request not keyed by trip")
	}
	if r, ok := s.TryGetStopReason(1); !ok || r != model.StopPausedUserRequest {
		t.Errorf("TryGetStopReason = %v, %v", r, ok)
	}

	s.RequestStop(1, model.StopPausedUserCancel)
	if r, _ := s.TryGetStopReason(1); r != model.StopPausedUserCancel {
		t.Errorf("later request not recorded: %v", r)
	}

	s.ClearStopRequest(1)
	if s.IsStopRequested(1) {
		t.Error("ClearStopRequest did not clear")
	}
}

func TestRequestStopIgnoresRunning(t *testing.T) {
	s := openTestStore(t)
	s.RequestStop(1, model.StopRunning)
	if s.IsStopRequested(1) {
		t.Error("StopRunning recorded as a stop request")
	}

	s.RequestStop(1, model.StopPausedUserRequest)
	s.RequestStop(1, model.StopRunning)
	if r, ok := s.TryGetStopReason(1); !ok || r != model.StopPausedUserRequest {
		t.Errorf("TryGetStopReason = %v, %v; want user_pause kept", r, ok)
	}
}

func TestIsPaused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	check := func(id int64, want bool) {
		t.Helper()
		got, err := s.IsPaused(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IsPaused(%d) = %v, want %v", id, got, want)
		}
	}

	check(1, false)

	s.RequestStop(1, model.StopPausedUserRequest)
	check(1, true)
	s.RequestStop(1, model.StopPausedUserCancel)
	check(1, false)
	s.ClearStopRequest(1)

	if err := s.Save(ctx, model.DownloadState{TripID: 1, Status: model.StatusLimitReached}); err != nil {
		t.Fatal(err)
	}
	check(1, true)
	if err := s.Save(ctx, model.DownloadState{TripID: 1, Status: model.StatusInProgress}); err != nil {
		t.Fatal(err)
	}
	check(1, false)
}
