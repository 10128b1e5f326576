package engine

import (
	"fmt"
	"time"

	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// AckKind tells the submitter what the engine did with the sample.
type AckKind string

const (
	AckCreated   AckKind = "created"   // entity was new
	AckUpdated   AckKind = "updated"   // position advanced with a lidar-grade sample
	AckAdvisory  AckKind = "advisory"  // position advanced with a coarse sample
	AckDuplicate AckKind = "duplicate" // identical timestamp re-sent, accepted no-op
)

// Submission is one ingest request: a sample plus the entity it belongs to.
// Zero-valued optional fields (radius, visibility, expiry) keep the entity's
// current values, or the defaults on creation.
type Submission struct {
	EntityID   string     `json:"entity_id"`
	Kind       EntityKind `json:"kind"`
	Sample     geo.Sample `json:"sample"`
	RadiusM    float64    `json:"visibility_radius_m,omitempty"`
	Visibility Visibility `json:"visibility,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at,omitzero"`
}

// Ack is the synchronous admission receipt. The apply itself is
// asynchronous: an admitted sample that later loses a timestamp race is
// dropped and counted, never re-surfaced.
type Ack struct {
	Kind     AckKind   `json:"ack"`
	EntityID string    `json:"entity_id"`
	Cell     CellID    `json:"cell"`
	Grade    geo.Grade `json:"grade"`
}

// Submit validates a submission and enqueues its apply step. Validation,
// the precision gate and the monotonicity pre-check run synchronously so
// the caller gets a definite reject; a full queue fails fast with
// ErrBackpressure rather than blocking the producer.
func (e *Engine) Submit(sub Submission) (Ack, error) {
	if e.stopped.Load() {
		return Ack{}, ErrStopped
	}
	e.stats.AddSubmit()

	if err := e.validateSubmission(sub); err != nil {
		return Ack{}, err
	}

	grade := sub.Sample.Grade()
	existing, _, exists := e.grid.Get(sub.EntityID)

	// Precision gate. A sample claiming the lidar source must actually meet
	// the lidar-grade ceiling, and a tag cannot be placed from a coarse fix.
	if sub.Sample.Source == geo.SourceLiDAR && grade != geo.GradeLiDAR {
		e.rejectSubmission("precision")
		return Ack{}, fmt.Errorf("lidar sample at %.3fm accuracy: %w",
			sub.Sample.HorizontalAccuracyM, ErrPrecision)
	}
	if !exists && sub.Kind == KindTag && grade != geo.GradeLiDAR {
		e.rejectSubmission("precision")
		return Ack{}, fmt.Errorf("tag creation needs a lidar-grade sample: %w", ErrPrecision)
	}

	if exists {
		if existing.Kind != sub.Kind {
			e.rejectSubmission("kind_mismatch")
			return Ack{}, fmt.Errorf("entity %s is a %s: %w", sub.EntityID, existing.Kind, ErrInvalidData)
		}
		// Monotonicity pre-check against the last applied position. The
		// worker re-checks under the cell lock; this one exists to reject
		// obviously stale producers before they consume queue space.
		if !sub.Sample.Timestamp.After(existing.Position.Timestamp) {
			if sub.Sample.Timestamp.Equal(existing.Position.Timestamp) {
				ack := Ack{Kind: AckDuplicate, EntityID: sub.EntityID, Grade: grade}
				ack.Cell = e.grid.CellIDFor(existing.Position.Point)
				e.stats.AddAccepted(AckDuplicate)
				monitoring.IngestSamples.WithLabelValues(string(AckDuplicate)).Inc()
				return ack, nil
			}
			e.rejectSubmission("stale")
			return Ack{}, fmt.Errorf("entity %s: %w", sub.EntityID, ErrStaleSample)
		}
	}

	select {
	case e.queue <- sub:
	default:
		e.stats.AddQueueDrop()
		monitoring.IngestRejects.WithLabelValues("queue_full").Inc()
		return Ack{}, fmt.Errorf("%d pending: %w", len(e.queue), ErrBackpressure)
	}

	kind := AckUpdated
	switch {
	case !exists:
		kind = AckCreated
	case grade != geo.GradeLiDAR:
		kind = AckAdvisory
	}
	ack := Ack{
		Kind:     kind,
		EntityID: sub.EntityID,
		Cell:     e.grid.CellIDFor(e.frameFor(sub.Sample).Fuse(sub.Sample).Point),
		Grade:    grade,
	}
	e.stats.AddAccepted(kind)
	monitoring.IngestSamples.WithLabelValues(string(kind)).Inc()
	tracef("submit %s %s ack=%s cell=%s", sub.Kind, sub.EntityID, kind, ack.Cell)
	return ack, nil
}

func (e *Engine) validateSubmission(sub Submission) error {
	switch {
	case sub.EntityID == "":
		e.rejectSubmission("missing_id")
		return fmt.Errorf("entity id missing: %w", ErrInvalidData)
	case !sub.Kind.Valid():
		e.rejectSubmission("bad_kind")
		return fmt.Errorf("unknown entity kind %q: %w", sub.Kind, ErrInvalidData)
	case sub.RadiusM != 0 && (sub.RadiusM < MinVisibilityRadiusM || sub.RadiusM > MaxVisibilityRadiusM):
		e.rejectSubmission("bad_radius")
		return fmt.Errorf("visibility radius %v out of range [%v, %v]: %w",
			sub.RadiusM, MinVisibilityRadiusM, MaxVisibilityRadiusM, ErrInvalidData)
	case sub.Visibility != "" && !sub.Visibility.Valid():
		e.rejectSubmission("bad_visibility")
		return fmt.Errorf("unknown visibility %q: %w", sub.Visibility, ErrInvalidData)
	}
	if err := sub.Sample.Validate(); err != nil {
		e.rejectSubmission("bad_sample")
		return fmt.Errorf("%v: %w", err, ErrInvalidData)
	}
	return nil
}

func (e *Engine) rejectSubmission(reason string) {
	e.stats.AddRejected()
	monitoring.IngestRejects.WithLabelValues(reason).Inc()
}

// ingestWorker drains the queue until the engine context ends.
func (e *Engine) ingestWorker(done <-chan struct{}) {
	defer e.wg.Done()
	for {
		select {
		case <-done:
			return
		case sub := <-e.queue:
			e.apply(sub)
		}
	}
}

// apply fuses the sample and advances the index. Losing the monotonicity
// race here (another worker applied a newer sample between admission and
// now) is an expected drop, counted and logged at trace level only.
func (e *Engine) apply(sub Submission) {
	now := e.clock.Now()
	fused := e.frameFor(sub.Sample).Fuse(sub.Sample)

	ent, _, exists := e.grid.Get(sub.EntityID)
	if !exists {
		ent = Entity{
			Kind:       sub.Kind,
			RadiusM:    DefaultVisibilityRadiusM,
			Status:     StatusActive,
			Visibility: VisibilityPublic,
			CreatedAt:  now,
		}
		if sub.Kind == KindTag {
			ent.ExpiresAt = now.Add(e.cfg.GetTagDefaultExpiry())
		}
	}
	ent.ID = sub.EntityID
	if sub.RadiusM != 0 {
		ent.RadiusM = sub.RadiusM
	}
	if sub.Visibility != "" {
		ent.Visibility = sub.Visibility
	}
	if !sub.ExpiresAt.IsZero() {
		ent.ExpiresAt = sub.ExpiresAt
	}
	ent.Latitude = sub.Sample.Latitude
	ent.Longitude = sub.Sample.Longitude
	ent.AltitudeM = sub.Sample.AltitudeM
	ent.Position = fused
	ent.UpdatedAt = now
	if ent.Status == StatusExpired {
		// A fresh position revives an entity the sweep had marked but not
		// yet purged.
		ent.Status = StatusActive
	}

	outcome, err := e.grid.Upsert(ent)
	switch {
	case err != nil:
		monitoring.IngestRejects.WithLabelValues("corruption").Inc()
		opsf("apply %s: %v", sub.EntityID, err)
	case outcome == ApplyStale || outcome == ApplyDuplicate:
		e.stats.AddRaceDrop()
		monitoring.IngestApplyRaces.Inc()
		tracef("apply %s lost race (%s)", sub.EntityID, outcome)
	default:
		e.stats.AddApplied()
		if e.persist != nil {
			e.persist.RecordUpsert(ent)
		}
		tracef("apply %s %s -> %s", sub.EntityID, outcome, e.grid.CellIDFor(fused.Point))
	}
}

// Remove deletes an entity from the index. Unknown ids report false without
// error, keeping removal idempotent.
func (e *Engine) Remove(entityID string) (bool, error) {
	if e.stopped.Load() {
		return false, ErrStopped
	}
	if entityID == "" {
		return false, fmt.Errorf("entity id missing: %w", ErrInvalidData)
	}
	removed, err := e.grid.Remove(entityID)
	if err != nil {
		return false, err
	}
	if removed && e.persist != nil {
		e.persist.RecordRemove(entityID, e.clock.Now())
	}
	return removed, nil
}
