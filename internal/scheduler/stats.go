package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/orrery-sim/orrery/internal/bus"
	"github.com/orrery-sim/orrery/internal/models"
)

// frameWindow is the number of recent frames used for the rolling FPS.
const frameWindow = 60

// bandStats accumulates per-band invocation statistics.
type bandStats struct {
	invocations uint64
	total       time.Duration
	skipped     uint64
}

// statsState holds the scheduler's internal counters. Guarded by the
// scheduler mutex.
type statsState struct {
	frames [frameWindow]time.Duration
	count  int
	next   int
	bands  [models.NumPriorities]bandStats
}

func (st *statsState) recordFrame(delta time.Duration) {
	st.frames[st.next] = delta
	st.next = (st.next + 1) % frameWindow
	if st.count < frameWindow {
		st.count++
	}
}

// fps returns the rolling frames-per-second over the window.
func (st *statsState) fps() float64 {
	if st.count == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < st.count; i++ {
		total += st.frames[i]
	}
	if total <= 0 {
		return 0
	}
	return float64(st.count) / total.Seconds()
}

// BandSnapshot is the exported per-band statistics view.
type BandSnapshot struct {
	Band        int
	Invocations uint64
	Total       time.Duration
	Average     time.Duration
	Skipped     uint64
}

// Snapshot is a point-in-time copy of the scheduler statistics.
type Snapshot struct {
	Running    bool
	FPS        float64
	FrameCount uint64
	Elapsed    time.Duration
	Bands      [models.NumPriorities]BandSnapshot
}

// Stats returns a snapshot of the current statistics.
func (s *Scheduler) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) snapshotLocked() Snapshot {
	snap := Snapshot{
		Running:    s.running,
		FPS:        s.stats.fps(),
		FrameCount: s.frameCount,
		Elapsed:    s.elapsed,
	}
	for band, bs := range s.stats.bands {
		entry := BandSnapshot{
			Band:        band,
			Invocations: bs.invocations,
			Total:       bs.total,
			Skipped:     bs.skipped,
		}
		if bs.invocations > 0 {
			entry.Average = bs.total / time.Duration(bs.invocations)
		}
		snap.Bands[band] = entry
	}
	return snap
}

// publishStats emits a scheduler.stats event with the current snapshot.
func (s *Scheduler) publishStats() {
	snap := s.Stats()

	payload := models.SchedulerStatsPayload{
		FPS:        snap.FPS,
		FrameCount: snap.FrameCount,
		ElapsedMs:  snap.Elapsed.Milliseconds(),
	}
	for _, band := range snap.Bands {
		payload.Bands = append(payload.Bands, models.BandStatsEntry{
			Band:        band.Band,
			Invocations: band.Invocations,
			TotalMs:     float64(band.Total.Microseconds()) / 1000,
			AverageMs:   float64(band.Average.Microseconds()) / 1000,
			Skipped:     band.Skipped,
		})
		payload.SkippedTicks += band.Skipped
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal stats payload")
		return
	}

	s.bus.Publish(models.Event{
		Kind:           models.EventTypeSchedulerStats,
		SourceID:       "frame-scheduler",
		SourceCategory: models.SourceCategoryScheduler,
		Payload:        raw,
	})
}

// publishError reports a recovered callback failure as an error event.
func publishError(b *bus.Bus, sourceID string, category models.SourceCategory, cause any) {
	payload, _ := json.Marshal(models.ErrorPayload{
		Error:   fmt.Sprint(cause),
		Context: sourceID,
	})
	b.Publish(models.Event{
		Kind:           models.EventTypeError,
		SourceID:       sourceID,
		SourceCategory: category,
		Payload:        payload,
	})
}
