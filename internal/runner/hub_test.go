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
	"testing"

	"github.com/forgeline/stepflow/pkg/workflow"
)

func TestHubSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := newEventHub(1)
	_, live, cancel := hub.subscribe()
	defer cancel()

	for i := 0; i < 3; i++ {
		hub.broadcast(workflow.NewWorkflowStarted("run", i))
	}

	if len(live) != 1 {
		t.Fatalf("buffered = %d, want 1", len(live))
	}
	if hub.droppedCount() != 2 {
		t.Fatalf("dropped = %d, want 2", hub.droppedCount())
	}

	replay, _, cancel2 := hub.subscribe()
	defer cancel2()
	if len(replay) != 3 {
		t.Fatalf("history = %d, want 3", len(replay))
	}
}

func TestHubCloseEndsSubscribers(t *testing.T) {
	hub := newEventHub(4)
	replay, live, cancel := hub.subscribe()
	defer cancel()
	if len(replay) != 0 {
		t.Fatalf("fresh hub should have empty history")
	}

	hub.broadcast(workflow.NewWorkflowStarted("run", 1))
	hub.close()

	var got int
	for range live {
		got++
	}
	if got != 1 {
		t.Fatalf("received %d events before close, want 1", got)
	}

	// After close, subscribe returns the full history and no tail.
	replay, tail, _ := hub.subscribe()
	if len(replay) != 1 || tail != nil {
		t.Fatalf("post-close subscribe gave %d events, tail %v", len(replay), tail)
	}

	hub.broadcast(workflow.NewWorkflowStarted("run", 2))
	if hub.droppedCount() != 0 {
		t.Fatal("broadcast after close should be ignored, not counted as drops")
	}
}
