package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/castmirror/castmirror/backend/internal/catalog"
)

var (
	// ErrSelfMerge indicates an alias list naming the survivor itself.
	// This is the single fatal precondition of a merge: it is checked
	// before any mutation.
	ErrSelfMerge = errors.New("merge: survivor cannot be merged into itself")
	// ErrNoAliases indicates a merge call without anything to merge.
	ErrNoAliases = errors.New("merge: at least one alias is required")
	// ErrEntityNotFound indicates a survivor or alias id without a live row.
	ErrEntityNotFound = errors.New("merge: entity not found")

	errMissingDatabase = errors.New("merge: database handle is required")
	errMissingCatalog  = errors.New("merge: catalog store is required")
	noOpLogger         = zap.NewNop()
)

// EngineConfig describes the dependencies of the merge engine.
type EngineConfig struct {
	Database *gorm.DB
	Catalog  *catalog.Store
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Engine collapses duplicate podcast or episode records into a single
// survivor. Every dependent record is repointed through the fixed handler
// table in handlers.go; the merge leaves a permanent MergedIdentifier
// redirect for each alias. A merge call commits atomically: either all
// named aliases are merged or nothing changes.
type Engine struct {
	db      *gorm.DB
	catalog *catalog.Store
	logger  *zap.Logger
	clock   func() time.Time
}

// NewEngine constructs the merge engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Catalog == nil {
		return nil, errMissingCatalog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		db:      cfg.Database,
		catalog: cfg.Catalog,
		logger:  logger,
		clock:   clock,
	}, nil
}

// EpisodeGroup is one set of episode ids an external matcher believes to be
// the same logical episode. The first element survives the group merge.
type EpisodeGroup []int64

// MergePodcasts merges every alias podcast into the survivor. Episode
// equivalence groups are merged first, each onto its first member, before
// the podcast-level dependents are repointed. The whole call is one
// transaction.
func (e *Engine) MergePodcasts(ctx context.Context, survivorID int64, aliasIDs []int64, episodeGroups []EpisodeGroup) error {
	if len(aliasIDs) == 0 {
		return ErrNoAliases
	}
	if err := guardSelfMerge(survivorID, aliasIDs); err != nil {
		return err
	}
	for _, group := range episodeGroups {
		if len(group) < 2 {
			continue
		}
		if err := guardSelfMerge(group[0], group[1:]); err != nil {
			return err
		}
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, group := range episodeGroups {
			if len(group) < 2 {
				continue
			}
			for _, aliasID := range group[1:] {
				if err := e.mergeOne(ctx, tx, catalog.KindEpisode, group[0], aliasID); err != nil {
					return err
				}
			}
		}
		for _, aliasID := range aliasIDs {
			if err := e.mergeOne(ctx, tx, catalog.KindPodcast, survivorID, aliasID); err != nil {
				return err
			}
		}
		return nil
	})
}

// MergeEpisodes merges every alias episode into the survivor episode in one
// transaction.
func (e *Engine) MergeEpisodes(ctx context.Context, survivorID int64, aliasIDs []int64) error {
	if len(aliasIDs) == 0 {
		return ErrNoAliases
	}
	if err := guardSelfMerge(survivorID, aliasIDs); err != nil {
		return err
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, aliasID := range aliasIDs {
			if err := e.mergeOne(ctx, tx, catalog.KindEpisode, survivorID, aliasID); err != nil {
				return err
			}
		}
		return nil
	})
}

func guardSelfMerge(survivorID int64, aliasIDs []int64) error {
	for _, aliasID := range aliasIDs {
		if aliasID == survivorID {
			return fmt.Errorf("%w: id %d", ErrSelfMerge, survivorID)
		}
	}
	return nil
}

// mergeOne merges a single alias into the survivor: every dependent listed
// by the kind's handler is repointed, a MergedIdentifier redirect is
// written, and the alias row is deleted.
func (e *Engine) mergeOne(ctx context.Context, tx *gorm.DB, kind catalog.EntityKind, survivorID, aliasID int64) error {
	handler, ok := handlerTable[kind]
	if !ok {
		return fmt.Errorf("merge: no handler registered for kind %q", kind)
	}

	if err := handler.exists(e, ctx, tx, survivorID); err != nil {
		return err
	}
	if err := handler.exists(e, ctx, tx, aliasID); err != nil {
		return err
	}

	for _, step := range handler.dependents {
		if err := step.repoint(e, ctx, tx, survivorID, aliasID); err != nil {
			return fmt.Errorf("merge: repointing %s of %s %d: %w", step.name, kind, aliasID, err)
		}
	}

	if err := e.writeRedirect(ctx, tx, kind, survivorID, aliasID); err != nil {
		return err
	}

	if err := handler.deleteAlias(e, ctx, tx, aliasID); err != nil {
		return err
	}

	e.logger.Info("entity merged",
		zap.String("kind", string(kind)),
		zap.Int64("survivor_id", survivorID),
		zap.Int64("alias_id", aliasID))
	return nil
}

// writeRedirect records the alias → survivor redirect and retargets any
// older redirect that pointed at the alias, so every stored redirect keeps
// resolving in a single hop.
func (e *Engine) writeRedirect(ctx context.Context, tx *gorm.DB, kind catalog.EntityKind, survivorID, aliasID int64) error {
	redirect := catalog.MergedIdentifier{
		Kind:      kind,
		OldID:     aliasID,
		TargetID:  survivorID,
		CreatedAt: e.clock().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&redirect).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&catalog.MergedIdentifier{}).
		Where("kind = ? AND target_id = ?", kind, aliasID).
		Where("old_id <> ?", aliasID).
		Update("target_id", survivorID).Error
}

func (e *Engine) dropCollision(table string, aliasID, survivorID int64, key string) {
	e.logger.Warn("dropping record colliding during merge",
		zap.String("table", table),
		zap.Int64("alias_id", aliasID),
		zap.Int64("survivor_id", survivorID),
		zap.String("key", key))
}
