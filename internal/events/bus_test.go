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

package events

import (
	"context"
	"sync"
	"testing"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var got []Event
	bus.Subscribe(RunStarted, func(ctx context.Context, e Event) {
		got = append(got, e)
	})

	bus.Publish(context.Background(), RunStarted, map[string]any{"run_id": "r1"})
	bus.Publish(context.Background(), RunCompleted, map[string]any{"run_id": "r1"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Data["run_id"] != "r1" {
		t.Errorf("data = %v", got[0].Data)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	count := 0
	unsub := bus.Subscribe(RunStarted, func(ctx context.Context, e Event) { count++ })

	bus.Publish(context.Background(), RunStarted, nil)
	unsub()
	bus.Publish(context.Background(), RunStarted, nil)

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var types []Type
	bus.SubscribeAll(func(ctx context.Context, e Event) {
		types = append(types, e.Type)
	})

	bus.Publish(context.Background(), RunStarted, nil)
	bus.Publish(context.Background(), ChangeDetected, nil)
	bus.Publish(context.Background(), RateLimitExceeded, nil)

	if len(types) != 3 {
		t.Fatalf("got %d events, want 3", len(types))
	}
	if types[0] != RunStarted || types[1] != ChangeDetected || types[2] != RateLimitExceeded {
		t.Errorf("types = %v", types)
	}
}

func TestBus_CausalOrder(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var order []Type
	bus.SubscribeAll(func(ctx context.Context, e Event) {
		order = append(order, e.Type)
	})

	// Synchronous delivery keeps per-run events in publish order.
	bus.Publish(context.Background(), RunStarted, nil)
	bus.Publish(context.Background(), StepStarted, nil)
	bus.Publish(context.Background(), StepCompleted, nil)
	bus.Publish(context.Background(), RunCompleted, nil)

	want := []Type{RunStarted, StepStarted, StepCompleted, RunCompleted}
	for i, typ := range want {
		if order[i] != typ {
			t.Fatalf("order[%d] = %s, want %s", i, order[i], typ)
		}
	}
}

func TestBus_PublishAfterClose(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(RunStarted, func(ctx context.Context, e Event) { count++ })

	if err := bus.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	bus.Publish(context.Background(), RunStarted, nil)

	if count != 0 {
		t.Error("listener invoked after close")
	}
	if err := bus.Close(); err == nil {
		t.Error("second Close should error")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(StepCompleted, func(ctx context.Context, e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), StepCompleted, nil)
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("count = %d, want 50", count)
	}
}
