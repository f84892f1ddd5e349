// Copyright 2025 The Vigil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"container/heap"
	"time"
)

// Priority defaults per run source.
const (
	PriorityChain     = 3
	PriorityScheduled = 5
	PriorityManual    = 10
)

// QueueItem is a ready run request.
type QueueItem struct {
	WorkflowID    string
	ScheduleID    string
	Priority      int
	ScheduledTime time.Time
	EnqueuedAt    time.Time

	seq int64
}

// readyQueue is a priority-ordered heap: higher priority first, FIFO by
// enqueue sequence within a priority.
type readyQueue []*QueueItem

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*QueueItem))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

var _ heap.Interface = (*readyQueue)(nil)
