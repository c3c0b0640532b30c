package orchestrator

import (
	"context"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/delta"
)

// DeltaUpdate is sent by Watch after the model files changed.
type DeltaUpdate struct {
	Delta *delta.SystemModelDelta
	Err   error
}

// Watch recomputes the delta of req each time a model file changes. The
// first update is sent right away. Policy files are reloaded as well when
// policies were loaded from paths. The channel closes when ctx is done.
func (o *Orchestrator) Watch(ctx context.Context, req Request) (<-chan DeltaUpdate, error) {
	ctx, cancel := context.WithCancel(ctx)

	var changes []<-chan config.ModelChange
	for _, source := range []string{o.cfg.Models.Expected, o.cfg.Models.Current} {
		w := config.NewModelWatcher(o.loader, []string{source}, o.logger)
		ch, err := w.Watch(ctx)
		if err != nil {
			cancel()
			return nil, err
		}
		changes = append(changes, ch)
	}
	if o.policies != nil && len(o.cfg.Policy.Paths) > 0 {
		if err := o.policies.WatchPolicies(ctx, 0); err != nil {
			cancel()
			return nil, err
		}
	}

	out := make(chan DeltaUpdate, 1)
	go func() {
		defer close(out)
		defer cancel()

		send := func(u DeltaUpdate) bool {
			select {
			case out <- u:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(o.deltaUpdate(ctx, req)) {
			return
		}

		expected, current := changes[0], changes[1]
		for expected != nil || current != nil {
			var change config.ModelChange
			var ok bool
			select {
			case <-ctx.Done():
				return
			case change, ok = <-expected:
				if !ok {
					expected = nil
					continue
				}
			case change, ok = <-current:
				if !ok {
					current = nil
					continue
				}
			}

			u := DeltaUpdate{Err: change.Err}
			if change.Err != nil {
				o.logger.Warn().Err(change.Err).Strs("sources", change.Sources).Msg("Model reload failed")
			} else {
				u = o.deltaUpdate(ctx, req)
			}
			if !send(u) {
				return
			}
		}
	}()
	return out, nil
}

func (o *Orchestrator) deltaUpdate(ctx context.Context, req Request) DeltaUpdate {
	expected, current, err := o.LoadModels(ctx)
	if err != nil {
		return DeltaUpdate{Err: err}
	}
	md, _, err := o.Delta(ctx, expected, current, req)
	return DeltaUpdate{Delta: md, Err: err}
}
