package fts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/technosupport/ts-fts/internal/attendance"
)

var (
	ErrNoFace        = errors.New("no face detected in enrollment image")
	ErrMultipleFaces = errors.New("multiple faces detected in enrollment image")
)

// Roster mirrors enrollments into the employee table; nil disables the
// mirror so the core can run without the database.
type Roster interface {
	CreateEmployee(ctx context.Context, id, name string) error
	RemoveEmployee(ctx context.Context, id string) error
}

// SetRoster attaches the optional roster store.
func (c *Controller) SetRoster(r Roster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roster = r
}

// Enroll detects exactly one face in the image, embeds it, and adds the
// identity to the index, persisting the index afterwards so a crash never
// loses an enrollment.
func (c *Controller) Enroll(ctx context.Context, employeeID, name string, imageBytes []byte) (OpResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return OpResult{Message: ErrNotRunning.Error()}, ErrNotRunning
	}

	img, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return OpResult{Message: "image decode failed"}, fmt.Errorf("decode enrollment image: %w", err)
	}

	dets, err := c.deps.Models.Detector().Detect(ctx, img)
	if err != nil {
		return OpResult{Message: err.Error()}, err
	}
	switch len(dets) {
	case 0:
		return OpResult{Message: ErrNoFace.Error()}, ErrNoFace
	case 1:
	default:
		return OpResult{Message: ErrMultipleFaces.Error()}, ErrMultipleFaces
	}

	vecs, err := c.deps.Models.Embedder().Embed(ctx, img, dets)
	if err != nil {
		return OpResult{Message: err.Error()}, err
	}
	if len(vecs) != 1 {
		return OpResult{Message: "embedder returned no vector"}, fmt.Errorf("embedder returned %d vectors", len(vecs))
	}

	if err := c.index.Add(employeeID, name, vecs[0]); err != nil {
		return OpResult{Message: err.Error()}, err
	}
	if err := c.index.Persist(c.cfg.IndexPath); err != nil {
		// Roll back so memory and disk stay in step.
		c.index.Remove(employeeID)
		return OpResult{Message: err.Error()}, err
	}

	if c.roster != nil {
		if err := c.roster.CreateEmployee(ctx, employeeID, name); err != nil {
			log.Printf("[FTS] roster mirror for %s failed: %v", employeeID, err)
		}
	}

	log.Printf("[FTS] enrolled %s (%d identities)", employeeID, c.index.Len())
	return OpResult{Success: true, Message: "enrolled"}, nil
}

// RemoveIdentity deletes the identity from the index and persists.
func (c *Controller) RemoveIdentity(ctx context.Context, employeeID string) (OpResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return OpResult{Message: ErrNotRunning.Error()}, ErrNotRunning
	}

	if err := c.index.Remove(employeeID); err != nil {
		return OpResult{Message: err.Error()}, err
	}
	if err := c.index.Persist(c.cfg.IndexPath); err != nil {
		return OpResult{Message: err.Error()}, err
	}

	if c.roster != nil {
		if err := c.roster.RemoveEmployee(ctx, employeeID); err != nil {
			log.Printf("[FTS] roster removal for %s failed: %v", employeeID, err)
		}
	}

	log.Printf("[FTS] removed identity %s", employeeID)
	return OpResult{Success: true, Message: "removed"}, nil
}

// RecentFor proxies the recorder's recency view for reporting endpoints.
func (c *Controller) RecentFor(ctx context.Context, employeeID string) []attendance.Event {
	c.mu.Lock()
	rec := c.recorder
	window := time.Duration(c.cfg.DebounceWindowSeconds) * time.Second
	c.mu.Unlock()

	if rec == nil {
		return nil
	}
	return rec.RecentFor(ctx, employeeID, window)
}
