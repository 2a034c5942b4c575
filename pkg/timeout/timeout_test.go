package timeout

import (
	"testing"
	"time"
)

func TestUpdateFiresInDeadlineOrder(t *testing.T) {
	m := New()
	var order []int

	base := time.Now()
	m.Add(base.Add(30*time.Millisecond), func() { order = append(order, 3) })
	m.Add(base.Add(10*time.Millisecond), func() { order = append(order, 1) })
	m.Add(base.Add(20*time.Millisecond), func() { order = append(order, 2) })

	fired := m.Update(base.Add(25 * time.Millisecond))
	if fired != 2 {
		t.Fatalf("expected 2 fired, got %d", fired)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("unexpected fire order: %v", order)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 remaining timer, got %d", m.Len())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	m := New()
	fired := false
	id := m.Add(time.Now().Add(time.Millisecond), func() { fired = true })
	m.Cancel(id)

	m.Update(time.Now().Add(10 * time.Millisecond))
	if fired {
		t.Fatalf("cancelled timer fired")
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty heap after cancel+update, got %d", m.Len())
	}
}

func TestCancelUnknownIDIsNoop(t *testing.T) {
	m := New()
	m.Cancel(ID(12345))
	if m.Len() != 0 {
		t.Fatalf("expected empty heap, got %d", m.Len())
	}
}

func TestNextReportsEarliestDeadline(t *testing.T) {
	m := New()
	if _, ok := m.Next(); ok {
		t.Fatalf("expected no next deadline on empty manager")
	}
	base := time.Now()
	later := base.Add(50 * time.Millisecond)
	earlier := base.Add(5 * time.Millisecond)
	m.Add(later, func() {})
	m.Add(earlier, func() {})

	next, ok := m.Next()
	if !ok {
		t.Fatalf("expected a next deadline")
	}
	if !next.Equal(earlier) {
		t.Fatalf("expected earliest deadline %v, got %v", earlier, next)
	}
}
