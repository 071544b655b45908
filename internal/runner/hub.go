// Copyright 2026 Forgeline Labs
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

package runner

import (
	"sync"

	"github.com/forgeline/stepflow/pkg/workflow"
)

// eventHub fans one run's event stream out to any number of subscribers.
// It keeps the full in-order history so a subscriber arriving mid-run gets
// a gap-free replay: subscribe snapshots the history and registers the live
// channel under one lock, so no event is missed or duplicated between them.
type eventHub struct {
	mu      sync.Mutex
	history []workflow.Event
	subs    map[int]chan workflow.Event
	nextID  int
	buffer  int
	dropped int64
	closed  bool
}

func newEventHub(buffer int) *eventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventHub{subs: map[int]chan workflow.Event{}, buffer: buffer}
}

// broadcast appends event to the history and offers it to every subscriber.
// Sends never block: a subscriber that has fallen behind loses the event
// and can recover from the persisted log.
func (h *eventHub) broadcast(event workflow.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.history = append(h.history, event)
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.dropped++
		}
	}
}

// subscribe returns the history so far, a live channel for what follows,
// and a cancel function. After close, the live channel is nil and the
// history is complete.
func (h *eventHub) subscribe() ([]workflow.Event, <-chan workflow.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]workflow.Event, len(h.history))
	copy(replay, h.history)

	if h.closed {
		return replay, nil, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan workflow.Event, h.buffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return replay, ch, cancel
}

// close ends the stream: every subscriber channel is closed and later
// broadcasts are ignored.
func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *eventHub) droppedCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}
