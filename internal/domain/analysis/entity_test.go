package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRecordStartsPendingWithStoredAudit(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRecord("an-1", "user-1", "https://store/skin-analysis/user-1/an-1/original.jpg", ImageMetadata{Width: 1024, Height: 1024}, now)

	require.Equal(t, StatusPendingUpload, r.Status)
	require.Len(t, r.AuditTrail, 1)
	require.Equal(t, StageImageStored, r.AuditTrail[0].Stage)
	require.Equal(t, now, r.CreatedAt)
	require.Equal(t, now, r.UpdatedAt)
	require.Nil(t, r.Metrics)
}

func TestAdvanceForwardOnly(t *testing.T) {
	now := time.Now().UTC()
	r := NewRecord("an-2", "user-1", "url", ImageMetadata{}, now)

	require.NoError(t, r.Advance(StatusUploading, now))
	require.NoError(t, r.Advance(StatusPolling, now))
	require.Error(t, r.Advance(StatusUploading, now), "backward move must fail")
	require.NoError(t, r.Advance(StatusCompleted, now))
	require.True(t, r.Status.Terminal())
	require.Error(t, r.Advance(StatusFailed, now), "terminal records must not move")
}

func TestAdvanceFailedFromAnyActiveStatus(t *testing.T) {
	now := time.Now().UTC()
	for _, from := range []Status{StatusPendingUpload, StatusUploading, StatusPolling} {
		r := NewRecord("an-3", "user-1", "url", ImageMetadata{}, now)
		for r.Status != from {
			switch r.Status {
			case StatusPendingUpload:
				require.NoError(t, r.Advance(StatusUploading, now))
			case StatusUploading:
				require.NoError(t, r.Advance(StatusPolling, now))
			}
		}
		require.NoError(t, r.Advance(StatusFailed, now), "failed must be reachable from %s", from)
	}
}

func TestAdvanceRejectsUnknownStatus(t *testing.T) {
	now := time.Now().UTC()
	r := NewRecord("an-4", "user-1", "url", ImageMetadata{}, now)
	require.Error(t, r.Advance(Status("archived"), now))
	require.Equal(t, StatusPendingUpload, r.Status)
}

func TestAppendAuditKeepsOrderAndBumpsUpdatedAt(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r := NewRecord("an-5", "user-1", "url", ImageMetadata{}, t0)

	t1 := t0.Add(2 * time.Second)
	r.AppendAudit(StageSlotReserved, "session s-1", t1)
	t2 := t1.Add(3 * time.Second)
	r.AppendAudit(StageImageUploaded, "", t2)

	require.Len(t, r.AuditTrail, 3)
	require.Equal(t, StageImageStored, r.AuditTrail[0].Stage)
	require.Equal(t, StageSlotReserved, r.AuditTrail[1].Stage)
	require.Equal(t, StageImageUploaded, r.AuditTrail[2].Stage)
	require.Equal(t, t2, r.UpdatedAt)
	require.True(t, r.AuditTrail[0].Timestamp.Before(r.AuditTrail[2].Timestamp))
}
