package approval

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestArmFiresOnce(t *testing.T) {
	arm := NewArm("grant-1")
	if !arm.Armed() {
		t.Fatal("fresh arm not armed")
	}
	if !arm.Fire() {
		t.Fatal("first fire failed")
	}
	if arm.Fire() {
		t.Fatal("arm fired twice")
	}
	if arm.Armed() {
		t.Fatal("spent arm reports armed")
	}
	if arm.GrantID() != "grant-1" {
		t.Fatalf("GrantID = %s", arm.GrantID())
	}
}

func TestZeroArmNeverFires(t *testing.T) {
	var arm Arm
	if arm.Armed() || arm.Fire() {
		t.Fatal("zero-value arm must never authorize")
	}
}

func TestArmFireIsExclusive(t *testing.T) {
	arm := NewArm("grant-2")
	var wg sync.WaitGroup
	fired := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fired <- arm.Fire()
		}()
	}
	wg.Wait()
	close(fired)

	wins := 0
	for ok := range fired {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("arm fired %d times", wins)
	}
}

func TestBrokerResolveGrant(t *testing.T) {
	broker := NewBroker(WithWindow(time.Minute))

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcome, _ := broker.Request(context.Background(), Request{ID: "ap-1", RunID: "run-1", ToolName: "fs.write"})
		outcomeCh <- outcome
	}()

	waitForPending(t, broker, 1)
	if !broker.Resolve("ap-1", true) {
		t.Fatal("Resolve returned false for a pending request")
	}
	if outcome := <-outcomeCh; outcome != OutcomeGranted {
		t.Fatalf("outcome = %s", outcome)
	}
	if broker.Resolve("ap-1", true) {
		t.Fatal("resolved request resolvable twice")
	}
}

func TestBrokerResolveDeny(t *testing.T) {
	broker := NewBroker(WithWindow(time.Minute))

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcome, _ := broker.Request(context.Background(), Request{ID: "ap-2", RunID: "run-1", ToolName: "git.apply_patch"})
		outcomeCh <- outcome
	}()

	waitForPending(t, broker, 1)
	broker.Resolve("ap-2", false)
	if outcome := <-outcomeCh; outcome != OutcomeDenied {
		t.Fatalf("outcome = %s", outcome)
	}
}

func TestBrokerWindowTimeout(t *testing.T) {
	broker := NewBroker(WithWindow(20 * time.Millisecond))
	outcome, err := broker.Request(context.Background(), Request{ID: "ap-3", RunID: "run-1"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %s, want %s", outcome, OutcomeTimedOut)
	}
	if len(broker.Pending()) != 0 {
		t.Fatal("timed-out request still pending")
	}
}

func TestBrokerContextCancellation(t *testing.T) {
	broker := NewBroker(WithWindow(time.Minute))
	ctx, cancel := context.WithCancel(context.Background())

	type result struct {
		outcome Outcome
		err     error
	}
	resultCh := make(chan result, 1)
	go func() {
		outcome, err := broker.Request(ctx, Request{ID: "ap-4", RunID: "run-1"})
		resultCh <- result{outcome, err}
	}()

	waitForPending(t, broker, 1)
	cancel()
	got := <-resultCh
	if got.err == nil {
		t.Fatal("cancellation swallowed")
	}
	if got.outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %s", got.outcome)
	}
}

func TestExpireApprovals(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	broker := NewBroker(WithWindow(5*time.Minute), WithClock(clock))

	outcomeCh := make(chan Outcome, 1)
	go func() {
		outcome, _ := broker.Request(context.Background(), Request{ID: "ap-5", RunID: "run-1"})
		outcomeCh <- outcome
	}()
	waitForPending(t, broker, 1)

	expired, err := broker.ExpireApprovals(context.Background())
	if err != nil || expired != 0 {
		t.Fatalf("fresh request expired: %d, %v", expired, err)
	}

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	expired, err = broker.ExpireApprovals(context.Background())
	if err != nil {
		t.Fatalf("ExpireApprovals: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d", expired)
	}
	if outcome := <-outcomeCh; outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %s", outcome)
	}
}

func TestPendingOldestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	broker := NewBroker(WithWindow(time.Minute), WithClock(clock))

	for _, id := range []string{"first", "second", "third"} {
		id := id
		go broker.Request(context.Background(), Request{ID: id, RunID: "run-1"})
		waitForPendingID(t, broker, id)
	}

	pending := broker.Pending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d", len(pending))
	}
	if pending[0].ID != "first" || pending[2].ID != "third" {
		t.Fatalf("pending order: %s, %s, %s", pending[0].ID, pending[1].ID, pending[2].ID)
	}
	for _, id := range []string{"first", "second", "third"} {
		broker.Resolve(id, false)
	}
}

func waitForPending(t *testing.T, broker *Broker, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(broker.Pending()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending never reached %d", n)
}

func waitForPendingID(t *testing.T, broker *Broker, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, req := range broker.Pending() {
			if req.ID == id {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("request %s never became pending", id)
}
