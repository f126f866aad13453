package prefetch

import (
	"container/heap"
	"context"

	"github.com/hitoshi/reelfeed/internal/model"
)

// task はプリフェッチタスクの内部表現。
type task struct {
	itemID   string
	priority int
	seq      uint64 // 同一優先度は投入順
	state    model.TaskState
	index    int // ヒープ内の位置。キューにない場合は-1
	done     chan struct{}
	cancel   context.CancelFunc
}

// taskQueue は優先度の降順、同一優先度は投入順の安定な優先度付きキュー。
type taskQueue []*task

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
