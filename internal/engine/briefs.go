package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"stageline/internal/broadcast"
	"stageline/internal/collab"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/repo"
)

// briefID derives a stable id from the item and version, so retried
// creation never mints a second brief for the same draft.
func briefID(itemID string, version int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("brief|%s|v%d", itemID, version))).String()
}

// CreateBrief drafts a brief for a work item. If the item already has a
// brief, the latest one is returned unchanged. The generator call happens
// outside the engine lock so a slow draft cannot stall other mutations;
// on generator failure the brief is still created with seed-derived
// fallback content.
func (e *Engine) CreateBrief(ctx context.Context, itemID, actorID string) (domain.ProductBrief, error) {
	it, err := e.Repo.GetItem(ctx, itemID)
	if err != nil {
		return domain.ProductBrief{}, err
	}
	if existing, err := e.Repo.LatestBriefForItem(ctx, itemID); err == nil {
		return existing, nil
	} else if err != repo.ErrNotFound {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	content := e.draftContent(ctx, it)
	e.mu.Lock()
	defer e.mu.Unlock()
	// A concurrent caller may have minted the brief while the generator ran.
	if existing, err := e.Repo.LatestBriefForItem(ctx, itemID); err == nil {
		return existing, nil
	} else if err != repo.ErrNotFound {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	return e.insertBrief(ctx, it, 1, content, actorID)
}

// draftContent asks the generator for content, falling back to the item's
// own fields when the call fails or times out. Generator failure never
// blocks the pipeline.
func (e *Engine) draftContent(ctx context.Context, it domain.WorkItem) collab.BriefContent {
	timeout := time.Duration(e.Config.Generator.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	content, err := e.Generator.Draft(gctx, collab.BriefSeed{
		ItemID:    it.ID,
		ProjectID: it.ProjectID,
		Kind:      it.Kind,
		Title:     it.Title,
		Summary:   it.Summary,
	})
	if err == nil {
		return content
	}
	problem := it.Summary
	if problem == "" {
		problem = it.Title
	}
	return collab.BriefContent{
		ProblemStatement: problem,
		Goals:            []string{fmt.Sprintf("Define scope for %s", it.Title)},
	}
}

func (e *Engine) insertBrief(ctx context.Context, it domain.WorkItem, version int, content collab.BriefContent, actorID string) (domain.ProductBrief, error) {
	now := e.now()
	b := domain.ProductBrief{
		ID:               briefID(it.ID, version),
		ItemID:           it.ID,
		ProjectID:        it.ProjectID,
		Version:          version,
		Status:           domain.BriefDraft,
		ProblemStatement: content.ProblemStatement,
		Goals:            content.Goals,
		Risks:            content.Risks,
		UserStories:      content.UserStories,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBrief(ctx, tx, b); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.BriefUpdated), it.ProjectID, "brief", b.ID, actorID,
		events.EventPayload{"item_id": it.ID, "version": version, "status": b.Status}); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.BriefUpdated, it.ProjectID, "brief", b.ID, map[string]any{"item_id": it.ID, "version": version, "status": b.Status})
	return b, nil
}

// BriefPatch carries partial content updates. Nil fields are left alone.
type BriefPatch struct {
	ProblemStatement *string
	Goals            []string
	Risks            []string
	UserStories      []string
}

// UpdateBrief merges the patch into a draft brief. A frozen brief rejects
// every content write; callers must open a new draft instead.
func (e *Engine) UpdateBrief(ctx context.Context, briefID, actorID string, patch BriefPatch) (domain.ProductBrief, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.Repo.GetBrief(ctx, briefID)
	if err != nil {
		return domain.ProductBrief{}, err
	}
	if b.Status == domain.BriefFrozen {
		return domain.ProductBrief{}, domain.ImmutableDocumentError{BriefID: briefID}
	}
	if patch.ProblemStatement != nil {
		b.ProblemStatement = *patch.ProblemStatement
	}
	if patch.Goals != nil {
		b.Goals = patch.Goals
	}
	if patch.Risks != nil {
		b.Risks = patch.Risks
	}
	if patch.UserStories != nil {
		b.UserStories = patch.UserStories
	}
	b.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBriefTx(ctx, tx, b); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.BriefUpdated), b.ProjectID, "brief", b.ID, actorID,
		events.EventPayload{"item_id": b.ItemID, "version": b.Version, "status": b.Status}); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.BriefUpdated, b.ProjectID, "brief", b.ID, map[string]any{"item_id": b.ItemID, "version": b.Version, "status": b.Status})
	return b, nil
}

// FreezeBrief makes the brief immutable. Freezing an already frozen brief
// is a no-op that returns it unchanged; no event fires.
func (e *Engine) FreezeBrief(ctx context.Context, briefID, actorID string) (domain.ProductBrief, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.Repo.GetBrief(ctx, briefID)
	if err != nil {
		return domain.ProductBrief{}, err
	}
	if b.Status == domain.BriefFrozen {
		return b, nil
	}
	now := e.now()
	b.Status = domain.BriefFrozen
	b.UpdatedAt = now
	b.FrozenAt = &now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateBriefTx(ctx, tx, b); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if err := e.Events.Append(ctx, tx, string(broadcast.BriefFrozen), b.ProjectID, "brief", b.ID, actorID,
		events.EventPayload{"item_id": b.ItemID, "version": b.Version}); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	e.publish(broadcast.BriefFrozen, b.ProjectID, "brief", b.ID, map[string]any{"item_id": b.ItemID, "version": b.Version})
	return b, nil
}

// NewDraftFromFrozen copies a frozen brief into a new draft with the next
// version number. The frozen original is untouched.
func (e *Engine) NewDraftFromFrozen(ctx context.Context, frozenID, actorID string) (domain.ProductBrief, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	src, err := e.Repo.GetBrief(ctx, frozenID)
	if err != nil {
		return domain.ProductBrief{}, err
	}
	if src.Status != domain.BriefFrozen {
		return domain.ProductBrief{}, domain.InvalidTransitionError{Entity: "brief", ID: frozenID, From: src.Status, To: "draft-copy"}
	}
	latest, err := e.Repo.LatestBriefForItem(ctx, src.ItemID)
	if err != nil {
		return domain.ProductBrief{}, domain.PersistenceError{Err: err}
	}
	if latest.Status == domain.BriefDraft {
		// One open draft per item; hand back the existing one.
		return latest, nil
	}
	it, err := e.Repo.GetItem(ctx, src.ItemID)
	if err != nil {
		return domain.ProductBrief{}, err
	}
	content := collab.BriefContent{
		ProblemStatement: src.ProblemStatement,
		Goals:            src.Goals,
		Risks:            src.Risks,
		UserStories:      src.UserStories,
	}
	return e.insertBrief(ctx, it, latest.Version+1, content, actorID)
}

func (e *Engine) GetBrief(ctx context.Context, id string) (domain.ProductBrief, error) {
	return e.Repo.GetBrief(ctx, id)
}

func (e *Engine) GetBriefForItem(ctx context.Context, itemID string) (domain.ProductBrief, error) {
	return e.Repo.LatestBriefForItem(ctx, itemID)
}

func (e *Engine) ListBriefs(ctx context.Context, projectID string) ([]domain.ProductBrief, error) {
	return e.Repo.ListBriefs(ctx, projectID)
}
