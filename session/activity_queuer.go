package session

import (
	"sync"

	"github.com/golang/glog"
)

// defers resource activities for a reference point until the receiving side
// has the point ready (e.g. mid file-transfer), then releases them in order.
// enable/disable are reference counted so that nested and overlapping callers
// can hold a point queued independently. every `EnableQueuing` must be matched
// by exactly one `DisableQueuing`, e.g. at the end of an invitation; an
// unbalanced enable leaks the queue entry and the buffered activities

type ActivityQueuer struct {
	mutex sync.Mutex
	// reference point -> pending entry
	queues map[ReferencePoint]*pointQueue
}

func NewActivityQueuer() *ActivityQueuer {
	return &ActivityQueuer{
		queues: map[ReferencePoint]*pointQueue{},
	}
}

func (self *ActivityQueuer) EnableQueuing(point ReferencePoint) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	queue, ok := self.queues[point]
	if !ok {
		queue = &pointQueue{
			activities: []ResourceActivity{},
		}
		self.queues[point] = queue
	}
	queue.openCount += 1
	glog.V(2).Infof("[queuer]enable %s (count=%d)\n", point.Name(), queue.openCount)
}

// does not itself flush. the entry is drained on the next `Process` call
// once its count has reached zero. extra disables beyond the matching
// enables are safe no-ops
func (self *ActivityQueuer) DisableQueuing(point ReferencePoint) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	queue, ok := self.queues[point]
	if !ok {
		return
	}
	if 0 < queue.openCount {
		queue.openCount -= 1
	}
	glog.V(2).Infof("[queuer]disable %s (count=%d)\n", point.Name(), queue.openCount)
}

func (self *ActivityQueuer) IsQueuing(point ReferencePoint) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	queue, ok := self.queues[point]
	return ok && 0 < queue.openCount
}

// runs one batch through the queue entries:
// entries whose count reached zero are drained into the result first, with a
// synthetic editor activation injected per (path, source user) pair in front
// of the first edit-related activity that has no activation in the buffer.
// then each input activity is either buffered (resource activity for a point
// that is still queuing) or passed through, preserving relative order
func (self *ActivityQueuer) Process(activities []Activity) []Activity {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if len(self.queues) == 0 {
		// fast path
		return activities
	}

	result := []Activity{}

	for point, queue := range self.queues {
		if queue.openCount == 0 {
			glog.V(2).Infof("[queuer]flush %s (%d queued)\n", point.Name(), len(queue.activities))
			result = append(result, queue.flush()...)
			delete(self.queues, point)
		}
	}

	for _, activity := range activities {
		if resourceActivity, ok := activity.(ResourceActivity); ok {
			if path := resourceActivity.Path(); path != nil {
				if queue, ok := self.queues[path.Point()]; ok {
					queue.activities = append(queue.activities, resourceActivity)
					continue
				}
			}
		}
		result = append(result, activity)
	}

	return result
}

type pointQueue struct {
	// "ready to flush" countdown
	openCount  int
	activities []ResourceActivity
}

type activationKey struct {
	point    ReferencePoint
	relative string
	user     string
}

// documents depending on an activation signal would silently drop edits
// accumulated before the receiver was ready, because the activation itself
// may have been queued, missed, or never sent (the receiver joined
// mid-stream). injecting it on flush guarantees the dependent subsystem
// observes an activation before the first edit it must apply, exactly once
// per (path, user)
func (self *pointQueue) flush() []Activity {
	flushed := []Activity{}
	activated := map[activationKey]bool{}

	for _, activity := range self.activities {
		path := activity.Path()
		if path != nil {
			key := activationKey{
				point:    path.Point(),
				relative: path.Relative(),
				user:     activity.Source().Address(),
			}
			if editorActivity, ok := activity.(*EditorActivity); ok && editorActivity.Type() == EditorActivated {
				activated[key] = true
			} else if isEditRelated(activity) && !activated[key] {
				flushed = append(flushed, NewEditorActivity(activity.Source(), path, EditorActivated))
				activated[key] = true
			}
		}
		flushed = append(flushed, activity)
	}
	return flushed
}
