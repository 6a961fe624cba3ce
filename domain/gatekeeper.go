package domain

import "fmt"

// CheckTransition decides whether task may move to target given the current
// state of its prerequisites and dependents. Prerequisites that could not be
// loaded are simply absent from the slice.
func CheckTransition(task Task, target Status, prerequisites, dependents []Task) error {
	if target == task.Status {
		return nil
	}

	if target == StatusInProgress || target == StatusDone {
		for _, p := range prerequisites {
			ready := p.Status.progress() >= StatusInProgress.progress()
			if target == StatusDone {
				ready = p.Status == StatusDone
			}
			if !ready {
				return transitionDeniedError(ReasonDependenciesNotReady,
					fmt.Sprintf("cannot move task %s to %s: dependency %s is %s", task.ID, target, p.ID, p.Status))
			}
		}
	}

	// Evaluated on its own, independent of the readiness rule.
	if target == StatusDone {
		for _, p := range prerequisites {
			if p.Status == StatusInProgress {
				return transitionDeniedError(ReasonParentInProgress,
					fmt.Sprintf("cannot move task %s to done: dependency %s is still in progress", task.ID, p.ID))
			}
		}
	}

	if target == StatusToDo || target == StatusInProgress {
		for _, d := range dependents {
			if d.Status.progress() > target.progress() {
				return transitionDeniedError(ReasonChildFurtherAlong,
					fmt.Sprintf("cannot move task %s to %s: dependent task %s is %s", task.ID, target, d.ID, d.Status))
			}
		}
	}
	return nil
}
