package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/subsync/internal/checker"
	"github.com/hitoshi/subsync/internal/config"
	"github.com/hitoshi/subsync/internal/gallery"
	"github.com/hitoshi/subsync/internal/model"
	"github.com/hitoshi/subsync/internal/subscription"
)

// subscriptionStore はimportが必要とする購読の保存先。
type subscriptionStore interface {
	Load(ctx context.Context, name string) (*subscription.Subscription, error)
	Save(ctx context.Context, s *subscription.Subscription) error
}

// ImportResult はimportの結果の件数。
type ImportResult struct {
	Created      int
	Merged       int
	QueriesAdded int
}

// runImport は定義ファイルの購読を登録する。
// 既存の購読と同名の場合は、まだ含まれていないクエリだけを追加する。
func runImport(cfg *config.Config, l *slog.Logger, path string) error {
	defs, err := config.LoadSubscriptionDefinitions(path)
	if err != nil {
		return err
	}

	generators, err := gallery.LoadRegistry(cfg.GeneratorsFile)
	if err != nil {
		return fmt.Errorf("failed to load generators: %w", err)
	}

	st, err := openStores(cfg, l)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := ImportSubscriptions(context.Background(), subscription.NewRepository(st.objects), generators, defs, l)
	if err != nil {
		return err
	}

	l.Info("subscriptions imported",
		slog.String("file", path),
		slog.Int("created", res.Created),
		slog.Int("merged", res.Merged),
		slog.Int("queries_added", res.QueriesAdded),
	)
	return nil
}

// ImportSubscriptions は定義から購読を組み立てて保存する。
// 全ての定義を検証してから保存するため、途中で不正な定義があれば何も保存しない。
func ImportSubscriptions(
	ctx context.Context,
	store subscriptionStore,
	generators gallery.Lookup,
	defs []config.SubscriptionDefinition,
	l *slog.Logger,
) (ImportResult, error) {
	var res ImportResult

	toSave := make([]*subscription.Subscription, 0, len(defs))
	for _, def := range defs {
		incoming, err := BuildSubscription(def, generators)
		if err != nil {
			return ImportResult{}, fmt.Errorf("subscription %q: %w", def.Name, err)
		}

		existing, err := store.Load(ctx, def.Name)
		switch {
		case errors.Is(err, subscription.ErrSubscriptionNotFound):
			toSave = append(toSave, incoming)
			res.Created++
			res.QueriesAdded += len(incoming.Queries())
			continue
		case err != nil:
			return ImportResult{}, err
		}

		added, err := mergeNewQueries(existing, incoming)
		if err != nil {
			return ImportResult{}, err
		}
		if added == 0 {
			l.Info("subscription already has every query, skipping", slog.String("subscription", def.Name))
			continue
		}
		toSave = append(toSave, existing)
		res.Merged++
		res.QueriesAdded += added
	}

	for _, s := range toSave {
		if err := store.Save(ctx, s); err != nil {
			return res, err
		}
	}
	return res, nil
}

// BuildSubscription は定義から新しい購読を組み立てる。
func BuildSubscription(def config.SubscriptionDefinition, generators gallery.Lookup) (*subscription.Subscription, error) {
	gen, ok := generators.Get(gallery.KeyAndName{Key: gallery.KeyForName(def.Generator), Name: def.Generator})
	if !ok {
		return nil, fmt.Errorf("unknown generator %q", def.Generator)
	}
	kn := gen.KeyAndName()

	opts, err := checkerOptions(def.Checker)
	if err != nil {
		return nil, err
	}

	s := subscription.New(def.Name, kn)
	s.SetPaused(def.Paused)
	if len(def.Tags) > 0 {
		s.SetTagImportOptions(model.TagImportOptions{AdditionalTags: def.Tags})
	}

	initial, periodic := s.FileLimits()
	if def.InitialFileLimit > 0 {
		initial = def.InitialFileLimit
	}
	if def.PeriodicFileLimit > 0 {
		periodic = def.PeriodicFileLimit
	}
	s.SetFileLimits(initial, periodic)

	for _, qd := range def.Queries {
		q := subscription.NewQuery(qd.Text)
		q.SetDisplayName(qd.DisplayName)
		q.SetPaused(qd.Paused)
		if len(qd.Tags) > 0 {
			q.SetTagImportOptions(model.TagImportOptions{AdditionalTags: qd.Tags})
		}
		s.AddQueries(q)
	}

	s.SetCheckerOptions(opts)
	return s, nil
}

// checkerOptions は既定値に定義の指定を上書きしたチェック方針を返す。
func checkerOptions(def *config.CheckerDefinition) (checker.Options, error) {
	opts := checker.DefaultSubscriptionOptions()
	if def == nil {
		return opts, nil
	}

	if def.IntendedFilesPerCheck > 0 {
		opts.IntendedFilesPerCheck = def.IntendedFilesPerCheck
	}
	if def.NeverFasterThan > 0 {
		opts.NeverFasterThan = def.NeverFasterThan
	}
	if def.NeverSlowerThan > 0 {
		opts.NeverSlowerThan = def.NeverSlowerThan
	}
	if def.DeathFiles > 0 {
		opts.DeathFileVelocity.Files = def.DeathFiles
	}
	if def.DeathPeriod > 0 {
		opts.DeathFileVelocity.Period = def.DeathPeriod
	}

	if err := opts.Validate(); err != nil {
		return checker.Options{}, err
	}
	return opts, nil
}

// mergeNewQueries はincomingのクエリのうちexistingにないものをexistingに追加し、件数を返す。
func mergeNewQueries(existing, incoming *subscription.Subscription) (int, error) {
	if mergeable, _ := existing.Mergeable([]*subscription.Subscription{incoming}); len(mergeable) == 0 {
		return 0, fmt.Errorf("subscription %q uses generator %q, cannot merge queries for %q",
			existing.Name(), existing.Generator().Name, incoming.Generator().Name)
	}

	have := make(map[string]struct{}, len(existing.Queries()))
	for _, q := range existing.Queries() {
		have[q.QueryText()] = struct{}{}
	}

	added := 0
	for _, q := range incoming.Queries() {
		if _, ok := have[q.QueryText()]; ok {
			continue
		}
		existing.AddQueries(q)
		have[q.QueryText()] = struct{}{}
		added++
	}
	return added, nil
}
