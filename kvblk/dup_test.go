package kvblk

import "testing"

func TestDupInsertKeepsSortedOrderAndSkipsDuplicates(t *testing.T) {
	var values []uint64
	var ok bool
	for _, v := range []uint64{5, 1, 3, 1, 4} {
		values, ok = DupInsert(values, v)
		_ = ok
	}
	want := []uint64{1, 3, 4, 5}
	if len(values) != len(want) {
		t.Fatalf("expected %v, got %v", want, values)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, values)
		}
	}

	if _, inserted := DupInsert(values, 3); inserted {
		t.Fatal("expected re-inserting an existing value to report no insertion")
	}
}

func TestDupRemove(t *testing.T) {
	values := []uint64{1, 3, 4, 5}

	remaining, ok := DupRemove(values, 3)
	if !ok {
		t.Fatal("expected DupRemove to find 3")
	}
	if DupContains(remaining, 3) {
		t.Fatal("3 should no longer be present")
	}
	if !DupContains(remaining, 1) || !DupContains(remaining, 4) || !DupContains(remaining, 5) {
		t.Fatal("remove corrupted the remaining set")
	}

	if _, ok := DupRemove(remaining, 999); ok {
		t.Fatal("expected DupRemove of an absent value to report false")
	}
}

func TestEncodeDecodeDupSlotRoundTrip(t *testing.T) {
	for _, width := range []DupWidth{Dup32, Dup64} {
		values := []uint64{1, 2, 3, 1000000}
		encoded := EncodeDupSlot(values, width)
		decoded, err := DecodeDupSlot(encoded, width)
		if err != nil {
			t.Fatal(err)
		}
		if len(decoded) != len(values) {
			t.Fatalf("width %d: expected %d values, got %d", width, len(values), len(decoded))
		}
		for i := range values {
			if decoded[i] != values[i] {
				t.Fatalf("width %d: expected %v, got %v", width, values, decoded)
			}
		}
	}
}

func TestDecodeDupSlotRejectsTruncatedInput(t *testing.T) {
	encoded := EncodeDupSlot([]uint64{1, 2, 3}, Dup32)
	if _, err := DecodeDupSlot(encoded[:len(encoded)-2], Dup32); err == nil {
		t.Fatal("expected error decoding a truncated dup slot")
	}
}
