package buyback

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestPoolKeyIDIsStable(t *testing.T) {
	key := testPool()
	if key.ID() != key.ID() {
		t.Fatalf("pool id must be deterministic")
	}

	other := testPool()
	other.Fee = 500
	if key.ID() == other.ID() {
		t.Fatalf("fee change must alter the pool id")
	}

	negative := testPool()
	negative.TickSpacing = -60
	if key.ID() == negative.ID() {
		t.Fatalf("tick spacing sign must alter the pool id")
	}
}

func TestPoolKeyHasCurrencies(t *testing.T) {
	key := testPool()
	if !key.HasCurrencies() {
		t.Fatalf("expected both currencies present")
	}

	key.Currency0 = common.Address{}
	if key.HasCurrencies() {
		t.Fatalf("zero currency0 should fail the check")
	}
}
