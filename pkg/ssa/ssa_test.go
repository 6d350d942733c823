package ssa

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetmon/pkg/protocol"
	"github.com/fleetmon/fleetmon/pkg/types"
)

func testRecords() []types.SiteRecord {
	return []types.SiteRecord{
		{Alias: "europe"}, // group row: no command
		{Alias: "berlin", RemoteCmd: "rsd", PollInterval: 5 * time.Second,
			Endpoints: [2]types.Endpoint{{Host: "host-a.example", Port: 4545}, {Host: "host-b.example", Port: 4545}}},
		{Alias: "munich", RemoteCmd: "rsd", PollInterval: 5 * time.Second},
	}
}

func TestStoreBasics(t *testing.T) {
	s := NewStore(testRecords())

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 1, s.Index("berlin"))
	assert.Equal(t, -1, s.Index("missing"))

	rec, err := s.Record(0)
	require.NoError(t, err)
	assert.True(t, rec.IsGroup())

	_, err = s.Record(7)
	assert.Error(t, err)
}

func TestUpdateBumpsSeq(t *testing.T) {
	s := NewStore(testRecords())

	require.NoError(t, s.Update(1, func(r *types.SiteRecord) {
		r.ConnectStatus = types.StatusOK
	}))

	rec, err := s.Record(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, rec.ConnectStatus)
	assert.Equal(t, uint64(2), rec.Seq)
	assert.Zero(t, rec.Seq%2, "published Seq must be even")
}

func TestApplyIntervalSummary(t *testing.T) {
	s := NewStore(testRecords())
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	is := protocol.IntervalSummary{
		FilesPending: 3, BytesPending: 12345, TransferRate: 42, FileRate: 1,
		ActiveTransfers: 2, JobsInQueue: 5,
	}
	_, err := s.Apply(1, is, now)
	require.NoError(t, err)

	rec, _ := s.Record(1)
	assert.Equal(t, uint64(3), rec.FilesPending)
	assert.Equal(t, uint64(12345), rec.BytesPending)
	assert.Equal(t, uint64(42), rec.TransferRate)
	assert.Equal(t, uint64(1), rec.FileRate)
	assert.Equal(t, uint64(2), rec.ActiveTransfers)
	assert.Equal(t, uint64(5), rec.JobsInQueue)
	assert.Equal(t, now, rec.LastDataTime)

	// Today's maximum tracks the observed rate, stamped with the data time.
	assert.Equal(t, uint64(42), rec.TopTransferRate[0])
	assert.Equal(t, now, rec.TopTransferTime)

	// A lower rate later does not disturb the maximum.
	is.TransferRate = 17
	_, err = s.Apply(1, is, now.Add(time.Minute))
	require.NoError(t, err)
	rec, _ = s.Record(1)
	assert.Equal(t, uint64(42), rec.TopTransferRate[0])
	assert.Equal(t, now, rec.TopTransferTime)
}

func TestApplySeedsCounterBaselines(t *testing.T) {
	s := NewStore(testRecords())
	now := time.Now()

	is := protocol.IntervalSummary{
		Present:   6,
		FilesSent: 100, BytesSent: 5000, Connections: 7,
		TotalErrors: 1, FilesReceived: 50, BytesReceived: 2500,
	}
	_, err := s.Apply(1, is, now)
	require.NoError(t, err)

	rec, _ := s.Record(1)
	assert.NotZero(t, rec.SpecialFlag&types.CountersInitialized)
	for slot := types.SlotHour; slot <= types.SlotYear; slot++ {
		assert.Equal(t, uint64(100), rec.FilesSent[slot])
		assert.Equal(t, uint64(5000), rec.BytesSent[slot])
		assert.Equal(t, uint64(2500), rec.BytesReceived[slot])
	}

	// Baselines are seeded once, not on every summary.
	is.FilesSent = 150
	_, err = s.Apply(1, is, now)
	require.NoError(t, err)
	rec, _ = s.Record(1)
	assert.Equal(t, uint64(150), rec.FilesSent[types.SlotCurrent])
	assert.Equal(t, uint64(100), rec.FilesSent[types.SlotHour])
}

func TestApplyFirstLogCaps(t *testing.T) {
	s := NewStore(testRecords())

	res, err := s.Apply(1, protocol.LogCapabilities{Mask: 7}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.FirstLogCaps)

	res, err = s.Apply(1, protocol.LogCapabilities{Mask: 7}, time.Now())
	require.NoError(t, err)
	assert.False(t, res.FirstLogCaps)
}

func TestApplyCountChange(t *testing.T) {
	s := NewStore(testRecords())

	res, err := s.Apply(1, protocol.HostCount{Count: 4}, time.Now())
	require.NoError(t, err)
	assert.True(t, res.CountChanged)

	res, err = s.Apply(1, protocol.HostCount{Count: 4}, time.Now())
	require.NoError(t, err)
	assert.False(t, res.CountChanged)

	rec, _ := s.Record(1)
	assert.Equal(t, 4, rec.NoOfHosts)
}

func TestApplyLogHistoryFullReplace(t *testing.T) {
	s := NewStore(testRecords())

	full := make([]byte, types.MaxLogHistory)
	for i := range full {
		full[i] = byte(i % 5)
	}
	_, err := s.Apply(1, protocol.LogHistoryUpdate{Category: types.HistoryReceive, Severities: full}, time.Now())
	require.NoError(t, err)

	rec, _ := s.Record(1)
	assert.Equal(t, full, rec.LogHistory[types.HistoryReceive][:])
}

func TestApplyLogHistoryShiftsOncePerHour(t *testing.T) {
	s := NewStore(testRecords())
	hour := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	// Fill the history with a known pattern.
	seed := make([]byte, types.MaxLogHistory)
	for i := range seed {
		seed[i] = byte(i % 7)
	}
	_, err := s.Apply(1, protocol.LogHistoryUpdate{Category: types.HistoryReceive, Severities: seed}, hour.Add(-time.Hour))
	require.NoError(t, err)

	// Shorter update in a new hour: shift left once, right-align new bytes.
	_, err = s.Apply(1, protocol.LogHistoryUpdate{Category: types.HistoryReceive, Severities: []byte{9, 8}}, hour.Add(time.Minute))
	require.NoError(t, err)

	rec, _ := s.Record(1)
	hist := rec.LogHistory[types.HistoryReceive]
	assert.Equal(t, seed[1], hist[0], "array shifted left by one")
	assert.Equal(t, byte(9), hist[types.MaxLogHistory-2])
	assert.Equal(t, byte(8), hist[types.MaxLogHistory-1])

	// Second short update inside the same hour must not shift again.
	before := hist
	_, err = s.Apply(1, protocol.LogHistoryUpdate{Category: types.HistoryReceive, Severities: []byte{7, 6}}, hour.Add(30*time.Minute))
	require.NoError(t, err)
	rec, _ = s.Record(1)
	hist = rec.LogHistory[types.HistoryReceive]
	assert.Equal(t, before[0], hist[0], "no second shift inside the hour")
	assert.Equal(t, byte(7), hist[types.MaxLogHistory-2])
	assert.Equal(t, byte(6), hist[types.MaxLogHistory-1])
}

// Replaying the same well-formed messages into a fresh record must give
// an identical final record no matter how the stream was chunked.
func TestReplayDeterminism(t *testing.T) {
	lines := []string{
		"IS 3 12345 42 1 0 0 2 5 10 2048 7 1 20 4096",
		"MC 10",
		"AM 1",
		"FD 1",
		"AW 0",
		"DJ 500",
		"AV 2.1.4",
		"WD /var/spool/dist",
		"LC 7",
		"NH 2",
		"IS 4 999 17 2 1 0 1 3 12 4096 8 1 22 8192",
	}
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	run := func(chunks []string) types.SiteRecord {
		s := NewStore(testRecords())
		p := protocol.NewParser(zerolog.Nop())
		var f protocol.Framer
		for _, c := range chunks {
			for _, msg := range f.Push([]byte(c)) {
				u, err := p.Parse(msg)
				require.NoError(t, err)
				_, err = s.Apply(1, u, now)
				require.NoError(t, err)
			}
		}
		rec, _ := s.Record(1)
		rec.Seq = 0 // chunking does not change message count, but be safe
		return rec
	}

	wire := ""
	for _, l := range lines {
		wire += l + "\r\n"
	}

	whole := run([]string{wire})
	byteAtATime := run(splitN(wire, 1))
	odd := run(splitN(wire, 13))

	assert.Equal(t, whole, byteAtATime)
	assert.Equal(t, whole, odd)
}

func splitN(s string, n int) []string {
	var out []string
	for len(s) > 0 {
		k := n
		if k > len(s) {
			k = len(s)
		}
		out = append(out, s[:k])
		s = s[k:]
	}
	return out
}

func TestRebuildPreservesByAlias(t *testing.T) {
	s := NewStore(testRecords())

	// Accumulate some state on berlin.
	require.NoError(t, s.Update(1, func(r *types.SiteRecord) {
		r.FilesSent[types.SlotCurrent] = 123
		r.TopTransferRate[0] = 42
		r.Toggle = 1
	}))

	newRecs := []types.SiteRecord{
		{Alias: "berlin", RemoteCmd: "rsd", PollInterval: 10 * time.Second},
		{Alias: "vienna", RemoteCmd: "rsd", PollInterval: 5 * time.Second},
	}
	s.Rebuild(newRecs)

	assert.Equal(t, 2, s.Len())

	berlin, _ := s.Record(0)
	assert.Equal(t, uint64(123), berlin.FilesSent[types.SlotCurrent])
	assert.Equal(t, uint64(42), berlin.TopTransferRate[0])
	assert.Equal(t, 1, berlin.Toggle)
	assert.Equal(t, 10*time.Second, berlin.PollInterval, "config fields refreshed")

	vienna, _ := s.Record(1)
	assert.Zero(t, vienna.FilesSent[types.SlotCurrent])
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := NewStore(testRecords())
	now := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	_, err := s.Apply(1, protocol.IntervalSummary{
		FilesPending: 3, BytesPending: 12345, TransferRate: 42, FileRate: 1,
		ActiveTransfers: 2, JobsInQueue: 5,
	}, now)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteSnapshot(&buf, s.Records()))

	recs, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "berlin", recs[1].Alias)
	assert.Equal(t, "host-a.example", recs[1].Endpoints[0].Host)
	assert.Equal(t, 4545, recs[1].Endpoints[0].Port)
	assert.Equal(t, uint64(42), recs[1].TransferRate)
	assert.Equal(t, uint64(42), recs[1].TopTransferRate[0])
	assert.Equal(t, now.Unix(), recs[1].LastDataTime.Unix())
	assert.Equal(t, 5*time.Second, recs[1].PollInterval)
	assert.True(t, recs[0].IsGroup())
}

func TestPublisherWritesFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(testRecords())

	p := NewPublisher(s, dir, time.Hour)
	require.NoError(t, p.Publish())

	f, err := os.Open(filepath.Join(dir, StatusAreaFile))
	require.NoError(t, err)
	defer f.Close()

	recs, err := ReadSnapshot(f)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
