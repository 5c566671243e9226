package reconciler

import (
	"context"
	"fmt"

	"mediaflow/internal/config"
	"mediaflow/internal/stage"
)

// Appliers returns the per-stage functions that write validated results into
// the stage artifact tables. Every statement is INSERT OR IGNORE keyed by
// (asset, attempt, ...), so reapplying a result is a no-op.
func Appliers() map[stage.Stage]stage.ApplyFunc {
	return map[stage.Stage]stage.ApplyFunc{
		stage.SceneDetection:     applyScenes,
		stage.FlashDetection:     applyFlashes,
		stage.PhraseHinting:      applyPhrases,
		stage.GlossaryGeneration: applyGlossary,
		stage.Crawling:           applyCrawl,
	}
}

// BindAppliers attaches Appliers to every stage registered in reg.
func BindAppliers(reg *stage.Registry) error {
	appliers := Appliers()
	for _, s := range reg.Stages() {
		fn, ok := appliers[s]
		if !ok {
			return fmt.Errorf("no applier for stage %s", s)
		}
		if err := reg.Bind(s, fn); err != nil {
			return err
		}
	}
	return nil
}

func typeMismatch(key stage.Key, result any) error {
	return fmt.Errorf("apply %s: unexpected result type %T", key, result)
}

func applyScenes(ctx context.Context, tx stage.Execer, key stage.Key, result any) error {
	res, ok := result.(*stage.SceneResult)
	if !ok {
		return typeMismatch(key, result)
	}
	for i, scene := range res.Scenes {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scenes (asset_id, attempt, idx, start_sec, end_sec, keyframe)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			key.AssetID, key.Attempt, i, scene.Start, scene.End, scene.Keyframe,
		); err != nil {
			return fmt.Errorf("insert scene %d: %w", i, err)
		}
	}
	return nil
}

func applyFlashes(ctx context.Context, tx stage.Execer, key stage.Key, result any) error {
	res, ok := result.(*stage.FlashResult)
	if !ok {
		return typeMismatch(key, result)
	}
	for i, flash := range res.Flashes {
		red := 0
		if flash.RedTransition {
			red = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO flashes (asset_id, attempt, idx, start_sec, end_sec, danger, luminance, red_transition)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key.AssetID, key.Attempt, i, flash.Start, flash.End, flash.Danger, flash.Luminance, red,
		); err != nil {
			return fmt.Errorf("insert flash %d: %w", i, err)
		}
	}
	return nil
}

func applyPhrases(ctx context.Context, tx stage.Execer, key stage.Key, result any) error {
	res, ok := result.(*stage.PhraseResult)
	if !ok {
		return typeMismatch(key, result)
	}
	for _, hint := range res.Phrases {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO phrase_hints (asset_id, attempt, phrase, occurrences, scene_index, score)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			key.AssetID, key.Attempt, hint.Phrase, hint.Count, hint.SceneIndex, hint.Score,
		); err != nil {
			return fmt.Errorf("insert phrase hint %q: %w", hint.Phrase, err)
		}
	}
	return nil
}

func insertGlossary(ctx context.Context, tx stage.Execer, key stage.Key, entries []stage.GlossaryEntry) error {
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO glossary_entries (asset_id, stage, attempt, term, definition, source, confidence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key.AssetID, string(key.Stage), key.Attempt, entry.Term, entry.Definition, entry.Source, entry.Confidence,
		); err != nil {
			return fmt.Errorf("insert glossary entry %q: %w", entry.Term, err)
		}
	}
	return nil
}

func applyGlossary(ctx context.Context, tx stage.Execer, key stage.Key, result any) error {
	res, ok := result.(*stage.GlossaryResult)
	if !ok {
		return typeMismatch(key, result)
	}
	return insertGlossary(ctx, tx, key, res.Entries)
}

func applyCrawl(ctx context.Context, tx stage.Execer, key stage.Key, result any) error {
	res, ok := result.(*stage.CrawlResult)
	if !ok {
		return typeMismatch(key, result)
	}
	for _, page := range res.Pages {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO crawl_pages (asset_id, attempt, url, title, terms)
			 VALUES (?, ?, ?, ?, ?)`,
			key.AssetID, key.Attempt, page.URL, page.Title, len(page.Terms),
		); err != nil {
			return fmt.Errorf("insert crawl page %q: %w", page.URL, err)
		}
		if err := insertGlossary(ctx, tx, key, page.Terms); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry builds the stage registry from configuration with every
// applier bound.
func NewRegistry(cfg *config.Config) (*stage.Registry, error) {
	descs, err := cfg.StageDescriptors()
	if err != nil {
		return nil, err
	}
	reg, err := stage.NewRegistry(descs...)
	if err != nil {
		return nil, err
	}
	if err := BindAppliers(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
