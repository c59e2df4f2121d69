package txorder

import (
	"testing"

	"github.com/l2indexer/node/pkg/txtypes"
)

func hash32(b byte) txtypes.Hash32 {
	var h txtypes.Hash32
	h[0] = b
	return h
}

// S2: two-tx block with a dependency. B spends A; B's priority_fee=1000
// lifts A's effective priority above its own 100, but A must still come
// first since B depends on it.
func TestOrder_DependencyLiftsAncestorPriority(t *testing.T) {
	a := txtypes.Transaction{
		Txid:         "aa",
		IndexingHash: hash32(0xaa),
		PriorityFee:  100,
		Inputs:       []txtypes.TxInput{{SpentTxid: "elsewhere"}}, // parent not in this block
	}
	b := txtypes.Transaction{
		Txid:         "bb",
		IndexingHash: hash32(0xbb),
		PriorityFee:  1000,
		Inputs:       []txtypes.TxInput{{SpentTxid: "aa"}},
	}

	out, err := Order([]txtypes.Transaction{b, a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].Txid != "aa" || out[1].Txid != "bb" {
		t.Fatalf("expected [aa, bb], got %v", txids(out))
	}
	if out[0].Index != 0 || out[1].Index != 1 {
		t.Errorf("index assignment wrong: %d, %d", out[0].Index, out[1].Index)
	}
}

// S3: two independent, non-coinbase txs with equal priority_fee break ties
// on indexing_hash ascending.
func TestOrder_TiebreakByIndexingHash(t *testing.T) {
	c := txtypes.Transaction{
		Txid:         "cc",
		IndexingHash: hash32(0x01),
		PriorityFee:  50,
		Inputs:       []txtypes.TxInput{{SpentTxid: "zz"}}, // parent not in this block
	}
	d := txtypes.Transaction{
		Txid:         "dd",
		IndexingHash: hash32(0x02),
		PriorityFee:  50,
		Inputs:       []txtypes.TxInput{{SpentTxid: "yy"}},
	}

	out, err := Order([]txtypes.Transaction{d, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Txid != "cc" || out[1].Txid != "dd" {
		t.Fatalf("expected [cc, dd], got %v", txids(out))
	}
}

func TestOrder_CoinbaseAlwaysFirst(t *testing.T) {
	coinbase := txtypes.Transaction{
		Txid:        "coin",
		PriorityFee: 0,
		Inputs:      []txtypes.TxInput{{SpentTxid: ""}},
	}
	high := txtypes.Transaction{
		Txid:         "high",
		IndexingHash: hash32(0x09),
		PriorityFee:  999999,
		Inputs:       []txtypes.TxInput{{SpentTxid: "elsewhere"}},
	}

	out, err := Order([]txtypes.Transaction{high, coinbase})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Txid != "coin" {
		t.Fatalf("coinbase-like tx must be first regardless of priority, got %v", txids(out))
	}
}

// Invariant 4 (§8): ordering is idempotent.
func TestOrder_Idempotent(t *testing.T) {
	txs := []txtypes.Transaction{
		{Txid: "a", IndexingHash: hash32(1), PriorityFee: 5, Inputs: []txtypes.TxInput{{SpentTxid: ""}}},
		{Txid: "b", IndexingHash: hash32(2), PriorityFee: 10, Inputs: []txtypes.TxInput{{SpentTxid: "a"}}},
		{Txid: "c", IndexingHash: hash32(3), PriorityFee: 7, Inputs: []txtypes.TxInput{{SpentTxid: "a"}}},
	}

	first, err := Order(txs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Order(first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("length changed across re-ordering")
	}
	for i := range first {
		if first[i].Txid != second[i].Txid {
			t.Fatalf("re-ordering an already-ordered block changed order at %d: %s vs %s", i, first[i].Txid, second[i].Txid)
		}
	}
}

func TestOrder_EmptyBlock(t *testing.T) {
	out, err := Order(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected empty output, got %d", len(out))
	}
}

func txids(txs []txtypes.Transaction) []string {
	out := make([]string, len(txs))
	for i, t := range txs {
		out[i] = t.Txid
	}
	return out
}
