package traffic

import (
	"testing"
	"time"
)

// testClock steps through seconds on demand.
type testClock struct {
	sec int64
}

func (tc *testClock) now() time.Time {
	return time.Unix(tc.sec, 0)
}

func testAccountant(start int64) (*Accountant, *testClock) {
	clock := &testClock{sec: start}

	a := NewAccountant()
	a.incoming.now = clock.now
	a.outgoing.now = clock.now

	return a, clock
}

func TestHistogramRecord(t *testing.T) {
	a, _ := testAccountant(1000)

	a.RecordIncoming(100, Data)
	a.RecordIncoming(23, Protocol)
	a.RecordOutgoing(42, Protocol)

	in := a.Incoming()
	if in[0].Bytes(Data) != 100 || in[0].Bytes(Protocol) != 23 || in[0].Bytes(Any) != 123 {
		t.Fatalf("unexpected head bucket: %v", in[0])
	}

	out := a.Outgoing()
	if out[0].Bytes(Protocol) != 42 || out[0].Bytes(Any) != 42 {
		t.Fatalf("unexpected head bucket: %v", out[0])
	}
}

func TestHistogramRollover(t *testing.T) {
	for k := int64(1); k < Buckets; k++ {
		a, clock := testAccountant(1000)

		a.RecordIncoming(100, Data)

		clock.sec += k
		a.RecordIncoming(50, Data)

		in := a.Incoming()
		for i := int64(0); i < Buckets; i++ {
			var expected uint64
			switch i {
			case 0:
				expected = 50
			case k:
				expected = 100
			}

			if in[i].Bytes(Data) != expected || in[i].Bytes(Any) != expected {
				t.Fatalf("k = %d: bucket %d holds %d bytes, expected %d",
					k, i, in[i].Bytes(Data), expected)
			}
		}
	}
}

func TestHistogramRolloverBeyondRing(t *testing.T) {
	a, clock := testAccountant(1000)

	a.RecordIncoming(100, Data)

	clock.sec += Buckets + 5
	in := a.Incoming()

	for i, bucket := range in {
		if bucket.Bytes(Any) != 0 {
			t.Fatalf("bucket %d was not zeroed: %v", i, bucket)
		}
	}
}

func TestHistogramReadRolls(t *testing.T) {
	a, clock := testAccountant(1000)

	a.RecordIncoming(100, Invalid)
	clock.sec += 3

	// Reading must never show stale data in the head bucket.
	if in := a.Incoming(); in[0].Bytes(Any) != 0 {
		t.Fatalf("head bucket is stale: %v", in[0])
	} else if in[3].Bytes(Invalid) != 100 {
		t.Fatalf("recorded bytes did not move to bucket 3: %v", in)
	}
}

func TestRecordAnyPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("recording under Any did not panic")
		}
	}()

	a, _ := testAccountant(1000)
	a.RecordIncoming(1, Any)
}
