// Package batch partitions an ordered step list into execution batches.
package batch

import "github.com/pitabwire/sequencer/model"

// Batch is a run of steps executed together. Indexes holds each member's
// position in the source step list.
type Batch struct {
	Steps   []model.SequenceStep
	Indexes []int
}

// Parallel reports whether the batch runs its members concurrently. A batch
// with a single member always runs sequentially.
func (b Batch) Parallel() bool {
	return len(b.Steps) > 1
}

// GroupIntoBatches partitions steps in source order. A sequential step is
// always a batch of its own. Consecutive parallel steps sharing a group
// form one batch, and so do consecutive parallel steps without a group.
func GroupIntoBatches(steps []model.SequenceStep) []Batch {
	var (
		batches      []Batch
		current      Batch
		currentGroup string
		openUngroup  bool
	)

	flush := func() {
		if len(current.Steps) > 0 {
			batches = append(batches, current)
		}
		current = Batch{}
	}

	for i, step := range steps {
		switch {
		case !step.IsParallel():
			flush()
			batches = append(batches, Batch{Steps: []model.SequenceStep{step}, Indexes: []int{i}})
			currentGroup = ""
			openUngroup = false

		case step.ParallelGroup != "":
			if step.ParallelGroup == currentGroup && len(current.Steps) > 0 {
				current.Steps = append(current.Steps, step)
				current.Indexes = append(current.Indexes, i)
				continue
			}
			flush()
			current = Batch{Steps: []model.SequenceStep{step}, Indexes: []int{i}}
			currentGroup = step.ParallelGroup
			openUngroup = false

		default:
			if openUngroup && len(current.Steps) > 0 {
				current.Steps = append(current.Steps, step)
				current.Indexes = append(current.Indexes, i)
				continue
			}
			flush()
			current = Batch{Steps: []model.SequenceStep{step}, Indexes: []int{i}}
			currentGroup = ""
			openUngroup = true
		}
	}
	flush()

	return batches
}
