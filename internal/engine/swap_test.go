package engine

import (
	"testing"
	"time"

	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/storage"
)

func TestStage2Lock(t *testing.T) {
	tests := []struct {
		name      string
		lockType  protocol.LockType
		lockValue uint64
		wantType  protocol.LockType
		wantValue uint64
	}{
		{"relative blocks reuse the window", protocol.LockBlocksRelative, 40, protocol.LockBlocksRelative, 40},
		{"relative time reuses the window", protocol.LockTimeRelative, 7200, protocol.LockTimeRelative, 7200},
		{"absolute time gets the extension", protocol.LockTimeAbsolute, 1700000000, protocol.LockTimeAbsolute, 1700000000 + absSecondWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotValue := stage2Lock(tt.lockType, tt.lockValue)
			if gotType != tt.wantType || gotValue != tt.wantValue {
				t.Errorf("stage2Lock() = (%s, %d), want (%s, %d)",
					gotType, gotValue, tt.wantType, tt.wantValue)
			}
		})
	}
}

func TestLockExpired(t *testing.T) {
	now := time.Unix(1700010000, 0)
	tests := []struct {
		name        string
		lockType    protocol.LockType
		lockValue   uint64
		confHeight  int64
		confTime    int64
		chainHeight int64
		want        bool
	}{
		{"blocks not yet", protocol.LockBlocksRelative, 40, 100, 0, 139, false},
		{"blocks exactly", protocol.LockBlocksRelative, 40, 100, 0, 140, true},
		{"blocks unconfirmed never expires", protocol.LockBlocksRelative, 40, 0, 0, 5000, false},
		{"time not yet", protocol.LockTimeRelative, 7200, 0, now.Unix() - 7199, 0, false},
		{"time elapsed", protocol.LockTimeRelative, 7200, 0, now.Unix() - 7200, 0, true},
		{"time unconfirmed never expires", protocol.LockTimeRelative, 7200, 0, 0, 0, false},
		{"absolute before", protocol.LockTimeAbsolute, uint64(now.Unix()) + 1, 0, 0, 0, false},
		{"absolute reached", protocol.LockTimeAbsolute, uint64(now.Unix()), 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := lockExpired(tt.lockType, tt.lockValue,
				tt.confHeight, tt.confTime, tt.chainHeight, now)
			if got != tt.want {
				t.Errorf("lockExpired() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestPtxLockValue(t *testing.T) {
	tests := []struct {
		name      string
		lockType  protocol.LockType
		lockValue uint64
		want      uint64
	}{
		{"relative blocks halved", protocol.LockBlocksRelative, 40, 20},
		{"relative time halved", protocol.LockTimeRelative, 7200, 3600},
		{"absolute shortened", protocol.LockTimeAbsolute, 1700010000, 1700010000 - absSecondWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ptxLockValue(tt.lockType, tt.lockValue); got != tt.want {
				t.Errorf("ptxLockValue() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewSwapDataLayout(t *testing.T) {
	tests := []struct {
		name      string
		coinFrom  string
		coinTo    string
		swapType  protocol.SwapType
		amount    uint64
		rate      uint64
		isOfferer bool

		wantRole       protocol.Role
		wantReversed   bool
		wantScriptCoin string
		wantAmtScript  uint64
		wantAmtNoScr   uint64
	}{
		{
			name: "adaptor offerer leads", coinFrom: "BTC", coinTo: "XMR",
			swapType: protocol.SwapAdaptorSig, amount: oneBTC, rate: rateBTCXMR, isOfferer: true,
			wantRole: protocol.RoleLeader, wantScriptCoin: "BTC",
			wantAmtScript: oneBTC, wantAmtNoScr: twentyXMR,
		},
		{
			name: "adaptor bidder follows", coinFrom: "BTC", coinTo: "XMR",
			swapType: protocol.SwapAdaptorSig, amount: oneBTC, rate: rateBTCXMR, isOfferer: false,
			wantRole: protocol.RoleFollower, wantScriptCoin: "BTC",
			wantAmtScript: oneBTC, wantAmtNoScr: twentyXMR,
		},
		{
			name: "reverse bid offerer follows", coinFrom: "XMR", coinTo: "BTC",
			swapType: protocol.SwapAdaptorSig, amount: twentyXMR, rate: rateXMRBTC, isOfferer: true,
			wantRole: protocol.RoleFollower, wantReversed: true, wantScriptCoin: "BTC",
			wantAmtScript: oneBTC, wantAmtNoScr: twentyXMR,
		},
		{
			name: "reverse bid bidder leads", coinFrom: "XMR", coinTo: "BTC",
			swapType: protocol.SwapAdaptorSig, amount: twentyXMR, rate: rateXMRBTC, isOfferer: false,
			wantRole: protocol.RoleLeader, wantReversed: true, wantScriptCoin: "BTC",
			wantAmtScript: oneBTC, wantAmtNoScr: twentyXMR,
		},
		{
			name: "seller first offerer leads", coinFrom: "BTC", coinTo: "LTC",
			swapType: protocol.SwapSellerFirst, amount: oneBTC, rate: rateBTCLTC, isOfferer: true,
			wantRole: protocol.RoleLeader, wantScriptCoin: "BTC",
			wantAmtScript: oneBTC, wantAmtNoScr: hundredLTC,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offer := &storage.OfferRecord{
				CoinFrom: tt.coinFrom,
				CoinTo:   tt.coinTo,
				SwapType: string(tt.swapType),
				Rate:     tt.rate,
				LockType: string(protocol.LockBlocksRelative),
			}
			d, err := newSwapData(offer, tt.amount, tt.isOfferer, "peer")
			if err != nil {
				t.Fatalf("newSwapData() error = %v", err)
			}
			if d.OurRole != string(tt.wantRole) {
				t.Errorf("role = %s, want %s", d.OurRole, tt.wantRole)
			}
			if d.Reversed != tt.wantReversed {
				t.Errorf("reversed = %t, want %t", d.Reversed, tt.wantReversed)
			}
			if d.ScriptCoin != tt.wantScriptCoin {
				t.Errorf("script coin = %s, want %s", d.ScriptCoin, tt.wantScriptCoin)
			}
			if d.AmountScript != tt.wantAmtScript || d.AmountNoScript != tt.wantAmtNoScr {
				t.Errorf("amounts = %d/%d, want %d/%d",
					d.AmountScript, d.AmountNoScript, tt.wantAmtScript, tt.wantAmtNoScr)
			}
		})
	}
}
