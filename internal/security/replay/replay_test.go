package replay

import (
	"testing"
	"time"
)

func TestCheckAndAddRejectsSecondPresentation(t *testing.T) {
	c := NewCache(time.Minute, 16)
	id := []byte{1, 2, 3, 4}
	if !c.CheckAndAdd(id) {
		t.Fatal("first presentation rejected")
	}
	if c.CheckAndAdd(id) {
		t.Fatal("replay accepted")
	}
}

func TestEntriesExpire(t *testing.T) {
	c := NewCache(time.Minute, 16)
	base := time.Unix(1700000000, 0)
	c.now = func() time.Time { return base }

	id := []byte{9, 9, 9}
	if !c.CheckAndAdd(id) {
		t.Fatal("first presentation rejected")
	}
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if !c.CheckAndAdd(id) {
		t.Fatal("expired entry still treated as replay")
	}
}

func TestCapacityEviction(t *testing.T) {
	c := NewCache(time.Hour, 8)
	for i := 0; i < 64; i++ {
		c.CheckAndAdd([]byte{byte(i), byte(i >> 8)})
	}
	if got := c.Len(); got > 8 {
		t.Fatalf("cache grew past capacity: %d", got)
	}
}
