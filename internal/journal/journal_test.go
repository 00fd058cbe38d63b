package journal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doohlabs/kioskd/internal/media"
)

func openTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, dir
}

func TestRecordAndPlaysSince(t *testing.T) {
	j, _ := openTestJournal(t)
	item := media.Item{
		URL:          "http://cdn.example/a.mp4",
		Path:         "/m/a.mp4",
		CampaignID:   "c-1",
		CampaignName: "Spring Sale",
	}
	now := time.Now()
	j.RecordPlay(item, now.Add(-2*time.Hour), 10000, 0)
	j.RecordPlay(item, now.Add(-10*time.Minute), 10000, 250)
	j.RecordPlay(item, now, 10000, 0)

	got, err := j.PlaysSince(now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, got, "plays in the last hour")
}

func TestRecordRoundTrip(t *testing.T) {
	j, _ := openTestJournal(t)
	item := media.Item{
		URL:          "http://cdn.example/b.mp4",
		Path:         "/m/b.mp4",
		CampaignID:   "c-2",
		CampaignName: "Autumn Push",
	}
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	j.RecordPlay(item, started, 15000, 1200)

	var (
		startedAt          int64
		path, url          string
		campaignID, name   string
		durationMS, offset int
	)
	err := j.db.QueryRow(
		`SELECT started_at, path, url, campaign_id, campaign_name, duration_ms, offset_ms FROM plays`,
	).Scan(&startedAt, &path, &url, &campaignID, &name, &durationMS, &offset)
	require.NoError(t, err)
	assert.Equal(t, started.UnixMilli(), startedAt)
	assert.Equal(t, item.Path, path)
	assert.Equal(t, item.URL, url)
	assert.Equal(t, item.CampaignID, campaignID)
	assert.Equal(t, item.CampaignName, name)
	assert.Equal(t, 15000, durationMS)
	assert.Equal(t, 1200, offset)
}

func TestPruneDeletesOldRows(t *testing.T) {
	j, _ := openTestJournal(t)
	item := media.Item{URL: "http://cdn.example/a.mp4", Path: "/m/a.mp4"}
	j.RecordPlay(item, time.Now().AddDate(0, 0, -20), 10000, 0)
	j.RecordPlay(item, time.Now(), 10000, 0)

	removed, err := j.Prune(14 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "rows pruned")

	left, err := j.PlaysSince(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, left, "rows left")
}

func TestReopenKeepsRows(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, zerolog.Nop())
	require.NoError(t, err)
	j.RecordPlay(media.Item{URL: "http://cdn.example/a.mp4", Path: "/m/a.mp4"}, time.Now(), 10000, 0)
	require.NoError(t, j.Close())

	j2, err := Open(dir, zerolog.Nop())
	require.NoError(t, err, "reopen")
	defer j2.Close()
	got, err := j2.PlaysSince(time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, got, "plays after reopen")
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	j.RecordPlay(media.Item{}, time.Now(), 0, 0)

	n, err := j.PlaysSince(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = j.Prune(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, j.Close())
}
