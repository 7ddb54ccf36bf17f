package speedtest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasfleet/atlas/internal/models"
	"github.com/atlasfleet/atlas/internal/store"
)

func testService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db), db
}

func insert(t *testing.T, db *store.DB, machineID string, ts time.Time, download float64) {
	t.Helper()
	err := db.InsertSpeedtest(machineID, &models.SpeedTestResult{
		Timestamp:    ts,
		DownloadMbps: download,
		UploadMbps:   download / 10,
		PingMs:       12,
	})
	require.NoError(t, err)
}

func TestRecent20UsesLastTwentyPerMachine(t *testing.T) {
	svc, db := testService(t)
	base := time.Now().UTC().Add(-time.Hour)

	// 25 samples; the oldest five at 1000 Mbps must fall outside the window.
	for i := 0; i < 25; i++ {
		download := 100.0
		if i < 5 {
			download = 1000.0
		}
		insert(t, db, "mac-01", base.Add(time.Duration(i)*time.Minute), download)
	}

	resp, err := svc.Recent20()
	require.NoError(t, err)
	require.Len(t, resp.Machines, 1)

	m := resp.Machines[0]
	assert.Equal(t, 20, m.Samples)
	assert.Equal(t, 100.0, m.DownloadMbps)
}

func TestRecent20FleetIsMeanOfMeans(t *testing.T) {
	svc, db := testService(t)
	now := time.Now().UTC()

	// mac-01 is chatty: ten samples at 100. mac-02 has one at 200.
	// A raw pooled mean would sit near 109; mean-of-means is 150.
	for i := 0; i < 10; i++ {
		insert(t, db, "mac-01", now.Add(-time.Duration(i)*time.Minute), 100)
	}
	insert(t, db, "mac-02", now, 200)

	resp, err := svc.Recent20()
	require.NoError(t, err)
	assert.Equal(t, 150.0, resp.Fleet.DownloadMbps)
}

func TestSummaryBucketsByHour(t *testing.T) {
	svc, db := testService(t)
	base := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)

	insert(t, db, "mac-01", base.Add(5*time.Minute), 100)
	insert(t, db, "mac-01", base.Add(10*time.Minute), 200)
	insert(t, db, "mac-01", base.Add(65*time.Minute), 300)

	buckets, err := svc.Summary(24)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, 2, buckets[0].Samples)
	assert.Equal(t, 150.0, buckets[0].DownloadMbps)
	assert.Equal(t, 1, buckets[1].Samples)
	assert.Equal(t, 300.0, buckets[1].DownloadMbps)
}

func TestComparisonsRelativeDeltas(t *testing.T) {
	svc, db := testService(t)
	now := time.Now().UTC()

	insert(t, db, "mac-01", now, 100)
	insert(t, db, "mac-02", now, 200)

	comparisons, err := svc.Comparisons(24)
	require.NoError(t, err)
	require.Len(t, comparisons, 2)

	// Fleet mean 150: mac-01 sits 33% under, mac-02 33% over.
	assert.InDelta(t, -1.0/3.0, comparisons[0].DownloadDelta, 1e-9)
	assert.InDelta(t, 1.0/3.0, comparisons[1].DownloadDelta, 1e-9)
}

func TestAnomaliesFlagOutliers(t *testing.T) {
	svc, db := testService(t)
	base := time.Now().UTC().Add(-2 * time.Hour)

	// A stable series with slight noise and one collapse to near zero.
	for i := 0; i < 40; i++ {
		download := 100.0
		if i%2 == 0 {
			download = 102.0
		}
		insert(t, db, "mac-01", base.Add(time.Duration(i)*time.Minute), download)
	}
	insert(t, db, "mac-01", base.Add(41*time.Minute), 2.0)

	anomalies, err := svc.Anomalies("mac-01")
	require.NoError(t, err)
	require.Len(t, anomalies, 1, "only the collapsed sample should be flagged")

	assert.Equal(t, 2.0, anomalies[0].DownloadMbps)
	assert.Less(t, anomalies[0].ZScore, -anomalyZThreshold)
}

func TestAnomaliesStableSeriesIsClean(t *testing.T) {
	svc, db := testService(t)
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		insert(t, db, "mac-01", now.Add(-time.Duration(i)*time.Minute), 100)
	}

	anomalies, err := svc.Anomalies("mac-01")
	require.NoError(t, err)
	assert.Empty(t, anomalies)
}
