package store

import (
	"time"

	"github.com/rvardiashvili/Orchard/internal/logging"
)

// pushTypes are the action types cancelled by an enqueued delete.
var pushTypes = map[string]bool{
	ActionUpload:        true,
	ActionUpdateContent: true,
	ActionRename:        true,
	ActionMove:          true,
}

// Enqueue inserts an action, applying the coalescing rules inside the same
// transaction so no observer ever sees a redundant pair:
//
//   - list_children, download, ensure_latest, and download_chunk deduplicate
//     against an identical pending/processing action,
//   - consecutive update_content on one target collapse to one,
//   - consecutive rename/move collapse keeping the final destination,
//   - upload supersedes any pending update_content,
//   - delete cancels every pending push for the target.
//
// For the other types a matching failed action is revived instead of
// inserting a second row; list_children, download, and ensure_latest skip
// failed rows and insert a new one.
func (s *Store) Enqueue(a *Action) error {
	return s.Tx(func(tx *Store) error {
		if a.Status == "" {
			a.Status = StatusPending
		}
		if a.CreatedAt == 0 {
			a.CreatedAt = tx.now()
		}

		var siblings []Action
		if err := tx.db.
			Where("target_id = ? AND status IN ?", a.TargetID,
				[]string{StatusPending, StatusProcessing, StatusFailed}).
			Order("created_at DESC, id DESC").
			Find(&siblings).Error; err != nil {
			return err
		}

		revive := func(prev *Action) error {
			prev.Status = StatusPending
			prev.RetryCount = 0
			prev.LastError = ""
			prev.NotBefore = 0
			prev.WorkerID = ""
			if a.Priority > prev.Priority {
				prev.Priority = a.Priority
			}
			return tx.db.Save(prev).Error
		}

		switch a.Type {
		case ActionListChildren, ActionDownload, ActionEnsureLatest:
			for i := range siblings {
				if siblings[i].Type == a.Type && siblings[i].Status != StatusFailed {
					if a.Priority > siblings[i].Priority && siblings[i].Status == StatusPending {
						siblings[i].Priority = a.Priority
						return tx.db.Save(&siblings[i]).Error
					}
					return nil
				}
			}

		case ActionDownloadChunk:
			for i := range siblings {
				if siblings[i].Type == ActionDownloadChunk &&
					siblings[i].ChunkIndex() == a.ChunkIndex() {
					if siblings[i].Status == StatusFailed {
						return revive(&siblings[i])
					}
					// already queued or in flight
					if a.Priority > siblings[i].Priority && siblings[i].Status == StatusPending {
						siblings[i].Priority = a.Priority
						return tx.db.Save(&siblings[i]).Error
					}
					return nil
				}
			}

		case ActionDelete:
			var cancel []uint
			for i := range siblings {
				if siblings[i].Status == StatusProcessing {
					continue
				}
				if siblings[i].Type == ActionDelete && siblings[i].Direction == a.Direction {
					return revive(&siblings[i])
				}
				if pushTypes[siblings[i].Type] {
					cancel = append(cancel, siblings[i].ID)
				}
			}
			if len(cancel) > 0 {
				if err := tx.db.Delete(&Action{}, "id IN ?", cancel).Error; err != nil {
					return err
				}
				logging.Debug("delete cancelled pending pushes",
					logging.String("target", a.TargetID),
					logging.Int("count", len(cancel)))
			}

		case ActionUpdateContent:
			for i := range siblings {
				if siblings[i].Status == StatusProcessing {
					break
				}
				switch siblings[i].Type {
				case ActionUpdateContent, ActionUpload:
					// latest content wins; fold into the existing push
					meta := siblings[i].Meta()
					for k, v := range a.Meta() {
						meta[k] = v
					}
					siblings[i].SetMeta(meta)
					return revive(&siblings[i])
				case ActionRename, ActionMove:
					continue
				}
				break
			}

		case ActionUpload:
			var supersede []uint
			for i := range siblings {
				if siblings[i].Status == StatusProcessing {
					continue
				}
				if siblings[i].Type == ActionUpdateContent {
					supersede = append(supersede, siblings[i].ID)
				}
				if siblings[i].Type == ActionUpload {
					return revive(&siblings[i])
				}
			}
			if len(supersede) > 0 {
				if err := tx.db.Delete(&Action{}, "id IN ?", supersede).Error; err != nil {
					return err
				}
			}

		case ActionRename:
			for i := range siblings {
				if siblings[i].Status == StatusProcessing {
					break
				}
				switch siblings[i].Type {
				case ActionRename:
					siblings[i].Destination = a.Destination
					meta := siblings[i].Meta()
					for k, v := range a.Meta() {
						meta[k] = v
					}
					siblings[i].SetMeta(meta)
					return revive(&siblings[i])
				case ActionMove:
					continue
				}
				break
			}

		case ActionMove:
			for i := range siblings {
				if siblings[i].Status == StatusProcessing {
					break
				}
				switch siblings[i].Type {
				case ActionMove:
					siblings[i].Destination = a.Destination
					return revive(&siblings[i])
				case ActionRename:
					continue
				}
				break
			}
		}

		return tx.db.Create(a).Error
	})
}

// ClaimNext atomically selects and claims the runnable action with the
// highest priority (ties broken by created_at, then ID). Actions are skipped
// when their not_before is in the future or when another worker is already
// processing an action for the same target, which keeps per-target execution
// FIFO. types, when non-empty, restricts the action types considered.
func (s *Store) ClaimNext(workerID string, types []string) (*Action, error) {
	var claimed *Action
	err := s.Tx(func(tx *Store) error {
		q := tx.db.
			Where("status = ?", StatusPending).
			Where("not_before <= ?", tx.now()).
			Where("target_id NOT IN (?)",
				tx.db.Model(&Action{}).Select("target_id").Where("status = ?", StatusProcessing),
			).
			Order("priority DESC, created_at ASC, id ASC")
		if len(types) > 0 {
			q = q.Where("action_type IN ?", types)
		}

		var a Action
		if err := q.First(&a).Error; err != nil {
			if notFound(err) == ErrNotFound {
				return nil
			}
			return err
		}

		a.Status = StatusProcessing
		a.WorkerID = workerID
		if err := tx.db.Save(&a).Error; err != nil {
			return err
		}
		claimed = &a
		return nil
	})
	return claimed, err
}

// Complete removes a finished action. Completing an already-removed action
// is a no-op, which makes replay harmless.
func (s *Store) Complete(actionID uint) error {
	return s.db.Delete(&Action{}, "id = ?", actionID).Error
}

// Fail records a handler failure. The action returns to pending with an
// exponential not-before (base * 2^retry with jitter, capped); once retries
// are exhausted it is marked failed and the target object surfaces in the
// error state.
func (s *Store) Fail(actionID uint, errMsg string) error {
	return s.Tx(func(tx *Store) error {
		var a Action
		if err := tx.db.Where("id = ?", actionID).First(&a).Error; err != nil {
			return notFound(err)
		}

		a.RetryCount++
		a.LastError = errMsg
		a.WorkerID = ""

		if a.RetryCount > tx.retry.MaxRetries {
			a.Status = StatusFailed
			if err := tx.db.Save(&a).Error; err != nil {
				return err
			}
			logging.Error("action exhausted retries",
				logging.String("type", a.Type),
				logging.String("target", a.TargetID),
				logging.String("error", errMsg))
			return tx.db.Model(&Object{}).
				Where("id = ? AND sync_state <> ?", a.TargetID, StateConflict).
				Update("sync_state", StateError).Error
		}

		backoff := tx.retry.backoffConfig().Backoff(a.RetryCount - 1)
		a.Status = StatusPending
		a.NotBefore = tx.now() + int64(backoff/time.Second)
		return tx.db.Save(&a).Error
	})
}

// FailTerminal marks an action failed without further retries and surfaces
// the target object in the error state. Used for logic/invariant violations.
func (s *Store) FailTerminal(actionID uint, errMsg string) error {
	return s.Tx(func(tx *Store) error {
		if err := tx.db.Model(&Action{}).Where("id = ?", actionID).Updates(map[string]any{
			"status":     StatusFailed,
			"last_error": errMsg,
			"worker_id":  "",
		}).Error; err != nil {
			return err
		}
		var a Action
		if err := tx.db.Where("id = ?", actionID).First(&a).Error; err != nil {
			return notFound(err)
		}
		return tx.db.Model(&Object{}).
			Where("id = ? AND sync_state <> ?", a.TargetID, StateConflict).
			Update("sync_state", StateError).Error
	})
}

// Defer returns a processing action to pending with a not-before delay,
// without counting a retry. Used when a precondition (e.g. sparse promotion)
// is not yet met.
func (s *Store) Defer(actionID uint, delay time.Duration) error {
	return s.db.Model(&Action{}).Where("id = ?", actionID).Updates(map[string]any{
		"status":     StatusPending,
		"worker_id":  "",
		"not_before": s.now() + int64(delay/time.Second),
	}).Error
}

// HasPending reports whether a pending or processing action of the given
// type exists for the target. Used as the FUSE-side deduplication guard.
func (s *Store) HasPending(targetID, actionType string) (bool, error) {
	var n int64
	err := s.db.Model(&Action{}).
		Where("target_id = ? AND action_type = ? AND status IN ?",
			targetID, actionType, []string{StatusPending, StatusProcessing}).
		Count(&n).Error
	return n > 0, err
}

// QueueDepth returns the number of pending actions.
func (s *Store) QueueDepth() (int64, error) {
	var n int64
	err := s.db.Model(&Action{}).Where("status = ?", StatusPending).Count(&n).Error
	return n, err
}

// FailedActions returns actions that exhausted their retries.
func (s *Store) FailedActions() ([]Action, error) {
	var out []Action
	err := s.db.Where("status = ?", StatusFailed).Order("created_at ASC").Find(&out).Error
	return out, err
}

// PendingFor returns the pending/processing actions for one target, oldest
// first.
func (s *Store) PendingFor(targetID string) ([]Action, error) {
	var out []Action
	err := s.db.
		Where("target_id = ? AND status IN ?", targetID,
			[]string{StatusPending, StatusProcessing}).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}
